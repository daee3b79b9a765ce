package replay

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func writeCaptures(t *testing.T, dir string, widths map[string]int) {
	t.Helper()
	for name, w := range widths {
		img := image.NewRGBA(image.Rect(0, 0, w, 8))
		if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
}

func TestJPEGsOrderedByFrameNumber(t *testing.T) {
	dir := t.TempDir()
	writeCaptures(t, dir, map[string]int{
		"2-capture.jpg":  20,
		"10-capture.jpg": 100,
		"1-capture.jpg":  10,
		"3-analyse.jpg":  99,
	})

	src, err := Open(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	var widths []int
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		widths = append(widths, f.Width)
		if !f.Active {
			t.Error("Expected replayed frames to be active")
		}
	}
	if len(widths) != 3 || widths[0] != 10 || widths[1] != 20 || widths[2] != 100 {
		t.Errorf("Expected frames in numeric order 10,20,100, got %v", widths)
	}
}

func TestOpenWithoutFrames(t *testing.T) {
	if _, err := Open(context.Background(), t.TempDir(), ""); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Expected ErrNoFrames, got %v", err)
	}
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "gone"), ""); err == nil {
		t.Error("Expected error for missing event directory")
	}
}

func TestPropertiesFPS(t *testing.T) {
	tests := []struct {
		rate    string
		want    float64
		wantErr bool
	}{
		{"2248/74", 2248.0 / 74, false},
		{"25/1", 25, false},
		{"15", 15, false},
		{"0/0", 0, true},
		{"abc/1", 0, true},
	}
	for _, tt := range tests {
		got, err := Properties{AvgFrameRate: tt.rate}.FPS()
		if (err != nil) != tt.wantErr {
			t.Errorf("FPS(%q) error = %v, wantErr %v", tt.rate, err, tt.wantErr)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("FPS(%q) = %v, expected %v", tt.rate, got, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{"streams":[{"index":0,"codec_name":"h264","codec_type":"video",
		"width":1920,"height":1080,"r_frame_rate":"100/1","avg_frame_rate":"2248/74"}]}`)
	p, err := parseProbe(out)
	if err != nil {
		t.Fatalf("parseProbe failed: %v", err)
	}
	if p.CodecName != "h264" || p.Width != 1920 || p.Height != 1080 {
		t.Errorf("Unexpected properties %+v", p)
	}
	if p.String() != "1920x1080 30.4 fps (h264)" {
		t.Errorf("Unexpected description %q", p.String())
	}

	if _, err := parseProbe([]byte(`{"streams":[]}`)); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Expected ErrNoFrames for empty stream list, got %v", err)
	}
}

func TestVideoDecode(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	gen := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi", "-i", "testsrc=size=64x48:rate=5",
		"-t", "1", "-pix_fmt", "yuv420p", filepath.Join(dir, "event.mp4"))
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate test video: %v %s", err, out)
	}

	src, err := Open(context.Background(), dir, "event.mp4")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	if src.FPS() != 5 {
		t.Errorf("Expected 5 fps, got %v", src.FPS())
	}
	n := 0
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if f.Width != 64 || f.Height != 48 {
			t.Fatalf("Unexpected frame size %dx%d", f.Width, f.Height)
		}
		if _, err := f.ReadRegion(image.Rect(0, 0, 16, 16)); err != nil {
			t.Fatalf("ReadRegion failed: %v", err)
		}
		n++
	}
	if n == 0 {
		t.Error("Expected decoded frames")
	}
}
