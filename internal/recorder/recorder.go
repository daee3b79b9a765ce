// Package recorder dumps the model input of triggering cycles as JPEG files.
package recorder

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/zm-aidect/internal/logger"
)

// DefaultQueue is the number of snapshots buffered before new ones are dropped
const DefaultQueue = 16

// Snapshot is one image to dump
type Snapshot struct {
	MonitorID  int
	Seq        uint64
	Timestamp  time.Time
	Image      image.Image
	Annotation string
}

// Recorder writes snapshots on its own goroutine
type Recorder struct {
	mu            sync.RWMutex
	basePath      string
	recording     bool
	snapshotCount uint64
	droppedCount  uint64
	bytesWritten  uint64
	lastFile      string
	startTime     time.Time
	snapChan      chan Snapshot
	wg            sync.WaitGroup
}

// NewRecorder creates a recorder writing into basePath
func NewRecorder(basePath string, queue int) *Recorder {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Recorder{
		basePath: basePath,
		snapChan: make(chan Snapshot, queue),
	}
}

// Start creates the directory and starts the writer goroutine
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	r.recording = true
	r.snapshotCount = 0
	r.droppedCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.snapChan = make(chan Snapshot, cap(r.snapChan))

	r.wg.Add(1)
	go r.writeSnapshots(r.snapChan)

	logger.Info("Recorder", "Dumping snapshots to %s", r.basePath)
	return nil
}

// Stop writes the queued snapshots and stops the writer
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.snapChan)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Submit queues a snapshot without blocking. It reports false when the
// recorder is stopped or the queue is full.
func (r *Recorder) Submit(s Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return false
	}

	select {
	case r.snapChan <- s:
		return true
	default:
		r.droppedCount++
		return false
	}
}

func (r *Recorder) writeSnapshots(ch <-chan Snapshot) {
	defer r.wg.Done()
	for s := range ch {
		r.writeSnapshot(s)
	}
}

func (r *Recorder) writeSnapshot(s Snapshot) {
	name := fmt.Sprintf("m%d_%s_%d.jpg", s.MonitorID, s.Timestamp.Format("20060102_150405"), s.Seq)
	path := filepath.Join(r.basePath, name)

	if err := imaging.Save(s.Image, path, imaging.JPEGQuality(90)); err != nil {
		logger.Warn("Recorder", "Failed to write %s: %v", path, err)
		return
	}
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	logger.Debug("Recorder", "Wrote %s (%s)", name, s.Annotation)

	r.mu.Lock()
	r.snapshotCount++
	r.bytesWritten += uint64(size)
	r.lastFile = name
	r.mu.Unlock()
}

// IsRecording returns true while the writer runs
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recorder status
func (r *Recorder) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:     r.recording,
		Dir:           r.basePath,
		LastFile:      r.lastFile,
		SnapshotCount: r.snapshotCount,
		DroppedCount:  r.droppedCount,
		BytesWritten:  r.bytesWritten,
		Duration:      duration,
		StartTime:     r.startTime,
	}
}

// Close stops the recorder if it is running
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// Status holds the current recorder status
type Status struct {
	Recording     bool          `json:"recording"`
	Dir           string        `json:"dir"`
	LastFile      string        `json:"last_file"`
	SnapshotCount uint64        `json:"snapshot_count"`
	DroppedCount  uint64        `json:"dropped_count"`
	BytesWritten  uint64        `json:"bytes_written"`
	Duration      time.Duration `json:"duration_ms"`
	StartTime     time.Time     `json:"start_time"`
}
