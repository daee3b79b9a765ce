package recorder

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

func TestRecorderWritesSnapshots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	r := NewRecorder(dir, 4)
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("Expected error when starting twice")
	}

	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 2; seq++ {
		ok := r.Submit(Snapshot{MonitorID: 5, Seq: seq, Timestamp: ts, Image: image.NewRGBA(image.Rect(0, 0, 32, 16))})
		if !ok {
			t.Fatalf("Submit %d was rejected", seq)
		}
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	st := r.GetStatus()
	if st.Recording || st.SnapshotCount != 2 || st.BytesWritten == 0 {
		t.Errorf("Unexpected status %+v", st)
	}
	if st.LastFile != "m5_20240501_123000_2.jpg" {
		t.Errorf("Unexpected last file %q", st.LastFile)
	}

	img, err := imaging.Open(filepath.Join(dir, "m5_20240501_123000_1.jpg"))
	if err != nil {
		t.Fatalf("Snapshot not readable: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 16 {
		t.Errorf("Unexpected snapshot size %v", img.Bounds())
	}

	if r.Submit(Snapshot{Image: image.NewRGBA(image.Rect(0, 0, 1, 1))}) {
		t.Error("Expected Submit to fail after Stop")
	}
	if err := r.Stop(); err == nil {
		t.Error("Expected error when stopping twice")
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := &Recorder{recording: true, snapChan: make(chan Snapshot, 1)}

	if !r.Submit(Snapshot{}) {
		t.Fatal("Expected first snapshot to be queued")
	}
	if r.Submit(Snapshot{}) {
		t.Error("Expected second snapshot to be dropped")
	}
	if got := r.GetStatus().DroppedCount; got != 1 {
		t.Errorf("Expected 1 dropped snapshot, got %d", got)
	}
}

func TestRecorderRestart(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0)
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	r.Stop()
	if err := r.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if !r.Submit(Snapshot{Timestamp: time.Now(), Image: image.NewGray(image.Rect(0, 0, 4, 4))}) {
		t.Error("Expected Submit to succeed after restart")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	entries, _ := os.ReadDir(r.basePath)
	if len(entries) != 1 {
		t.Errorf("Expected 1 snapshot file, got %d", len(entries))
	}
}
