// Package shm reads frames from, and writes triggers to, the capture host's
// per-monitor shared memory mapping.
package shm

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// ReaderConfig describes the monitor whose mapping is read
type ReaderConfig struct {
	MapDir           string
	MonitorID        int
	Width            int
	Height           int
	ImageBufferCount int
	StaleAfter       time.Duration // Heartbeat age that marks the host stale; 0 disables
}

// Reader hands out the newest frame of one monitor
type Reader struct {
	cfg       ReaderConfig
	mf        *mapFile
	format    types.PixelFormat
	imageSize int
	imagesOff int64

	lastIndex int32
	lastStamp int64
	seq       uint64 // Counts frames handed out; host timestamps may step backwards

	replaced  atomic.Bool
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewReader opens the mapping of cfg.MonitorID and validates its layout.
// It fails with ErrHostUnavailable when the host is not running.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.ImageBufferCount <= 0 || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid monitor geometry %dx%d with %d buffers", cfg.Width, cfg.Height, cfg.ImageBufferCount)
	}
	path := MapPath(cfg.MapDir, cfg.MonitorID)
	mf, err := openMap(path, os.O_RDONLY)
	if err != nil {
		return nil, err
	}

	r := &Reader{cfg: cfg, mf: mf, lastIndex: -1, now: time.Now}
	if err := r.validate(); err != nil {
		mf.Close()
		return nil, err
	}
	r.watch()

	logger.Info("Reader", "Opened %s (%dx%d %s, %d buffers)", path, cfg.Width, cfg.Height, r.format, cfg.ImageBufferCount)
	return r, nil
}

func (r *Reader) validate() error {
	if err := r.mf.verifyLayout(); err != nil {
		return err
	}
	sd, err := r.mf.sharedData()
	if err != nil {
		return err
	}
	if !sd.Valid {
		return fmt.Errorf("%w: mapping not valid yet", ErrHostUnavailable)
	}

	bpp := sd.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: unsupported pixel format %s", ErrHostUnavailable, sd.Format)
	}
	want := r.cfg.Width * r.cfg.Height * bpp
	if int(sd.ImageSize) != want {
		return fmt.Errorf("%w: image size %d, expected %d for %dx%d %s",
			ErrHostUnavailable, sd.ImageSize, want, r.cfg.Width, r.cfg.Height, sd.Format)
	}

	r.format = sd.Format
	r.imageSize = want
	r.imagesOff = imagesOffset(r.cfg.ImageBufferCount)

	size, err := r.mf.size()
	if err != nil {
		return err
	}
	if need := r.imagesOff + int64(r.cfg.ImageBufferCount*r.imageSize); size < need {
		return fmt.Errorf("%w: mapping is %d bytes, need %d", ErrHostUnavailable, size, need)
	}
	return nil
}

// watch marks the reader stale as soon as the host recreates its mapping.
// The inode check in Acquire still catches replacements if the watch fails.
func (r *Reader) watch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Reader", "fsnotify unavailable: %v", err)
		return
	}
	if err := w.Add(filepath.Dir(r.mf.path)); err != nil {
		logger.Warn("Reader", "Failed to watch %s: %v", filepath.Dir(r.mf.path), err)
		w.Close()
		return
	}
	r.watcher = w
	r.watchDone = make(chan struct{})

	go func() {
		defer close(r.watchDone)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != r.mf.path {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
					logger.Warn("Reader", "%s changed (%s)", ev.Name, ev.Op)
					r.replaced.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Debug("Reader", "fsnotify error: %v", err)
			}
		}
	}()
}

// Format returns the pixel format published by the host
func (r *Reader) Format() types.PixelFormat {
	return r.format
}

// Acquire returns the newest frame if it was not handed out before.
// It returns ErrNoNewFrame when nothing new was published and
// ErrHostUnavailable when the mapping is invalid or stale.
func (r *Reader) Acquire(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.replaced.Load() {
		return nil, fmt.Errorf("%w: %s was replaced", ErrHostUnavailable, r.mf.path)
	}
	if err := r.mf.checkReplaced(); err != nil {
		r.replaced.Store(true)
		return nil, err
	}

	sd, err := r.mf.sharedData()
	if err != nil {
		return nil, err
	}
	if !sd.Valid {
		return nil, fmt.Errorf("%w: mapping invalidated", ErrHostUnavailable)
	}
	if r.cfg.StaleAfter > 0 && !sd.Heartbeat.IsZero() {
		if age := r.now().Sub(sd.Heartbeat); age > r.cfg.StaleAfter {
			return nil, fmt.Errorf("%w: heartbeat is %s old", ErrHostUnavailable, age.Round(time.Second))
		}
	}

	idx := sd.LastWriteIndex
	if idx < 0 || int(idx) >= r.cfg.ImageBufferCount {
		return nil, ErrNoNewFrame
	}
	stamp, err := r.slotStamp(idx)
	if err != nil {
		return nil, err
	}
	if idx == r.lastIndex && stamp == r.lastStamp {
		return nil, ErrNoNewFrame
	}
	r.lastIndex, r.lastStamp = idx, stamp
	r.seq++

	return &types.Frame{
		Pixels:    &slot{r: r, index: idx, stamp: stamp},
		Width:     r.cfg.Width,
		Height:    r.cfg.Height,
		Format:    r.format,
		Seq:       r.seq,
		Timestamp: time.UnixMicro(stamp),
		State:     sd.State,
		Active:    sd.Active,
	}, nil
}

func (r *Reader) slotStamp(idx int32) (int64, error) {
	b, err := r.mf.readAt(timestampOffset(idx), timevalSize)
	if err != nil {
		return 0, err
	}
	return decodeTimeval(b), nil
}

func (r *Reader) writeIndex() (int32, error) {
	b, err := r.mf.readAt(lastWriteIndexOffset, 4)
	if err != nil {
		return 0, err
	}
	return int32(le.Uint32(b)), nil
}

// reused reports whether the host has advanced far enough past idx to be
// writing into it again. A lap of exactly the ring size is left to the
// timestamp check.
func (r *Reader) reused(idx, current int32) bool {
	n := int32(r.cfg.ImageBufferCount)
	if n < 2 || current < 0 || current >= n {
		return false
	}
	ahead := (current - idx + n) % n
	return ahead > 0 && ahead >= n-1
}

// Close stops the watcher and releases the mapping
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			r.watcher.Close()
			<-r.watchDone
		}
		err = r.mf.Close()
	})
	return err
}

// slot copies pixels out of one ring buffer slot on demand
type slot struct {
	r     *Reader
	index int32
	stamp int64
}

func (s *slot) ReadRegion(rect image.Rectangle) (*image.RGBA, error) {
	r := s.r
	bpp := r.format.BytesPerPixel()
	stride := r.cfg.Width * bpp
	off := r.imagesOff + int64(s.index)*int64(r.imageSize) + int64(rect.Min.Y*stride)

	rows, err := r.mf.readAt(off, rect.Dy()*stride)
	if err != nil {
		return nil, err
	}

	// The host may have lapped the ring while we copied
	stamp, err := r.slotStamp(s.index)
	if err != nil {
		return nil, err
	}
	if stamp != s.stamp {
		return nil, ErrFrameSuperseded
	}
	// The timestamp is written after the pixels, so a slot being
	// overwritten right now still carries the old one
	current, err := r.writeIndex()
	if err != nil {
		return nil, err
	}
	if r.reused(s.index, current) {
		return nil, ErrFrameSuperseded
	}

	p := types.Packed{Data: rows, Width: r.cfg.Width, Height: rect.Dy(), Format: r.format}
	img, err := p.ReadRegion(image.Rect(rect.Min.X, 0, rect.Max.X, rect.Dy()))
	if err != nil {
		return nil, err
	}
	img.Rect = rect
	return img, nil
}
