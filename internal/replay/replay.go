// Package replay feeds the frames of a recorded host event through the pipeline.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// ErrNoFrames means an event directory holds nothing to replay
var ErrNoFrames = errors.New("no replayable frames")

// Source yields the frames of one event in order and io.EOF at the end
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
	FPS() float64 // Recorded frame rate, 0 when unknown
	Close() error
}

// Open prefers the event's stored JPEG captures and falls back to its video
func Open(ctx context.Context, dir, defaultVideo string) (Source, error) {
	src, err := OpenJPEGs(dir)
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, ErrNoFrames) || defaultVideo == "" {
		return nil, err
	}
	logger.Debug("Replay", "No JPEG captures in %s, decoding %s", dir, defaultVideo)
	return OpenVideo(ctx, filepath.Join(dir, defaultVideo))
}

// JPEGs replays "<n>-capture.jpg" files
type JPEGs struct {
	files []string
	next  int
}

// OpenJPEGs lists the capture files of dir ordered by frame number
func OpenJPEGs(dir string) (*JPEGs, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("event directory: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*-capture.jpg"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	slices.SortFunc(files, func(a, b string) int {
		return frameNumber(a) - frameNumber(b)
	})
	return &JPEGs{files: files}, nil
}

func frameNumber(path string) int {
	prefix, _, _ := strings.Cut(filepath.Base(path), "-")
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}

// Len returns the number of frames
func (j *JPEGs) Len() int { return len(j.files) }

// Next implements Source
func (j *JPEGs) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.next >= len(j.files) {
		return nil, io.EOF
	}
	path := j.files[j.next]
	j.next++

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return types.NewImageFrame(img, uint64(j.next)), nil
}

// FPS implements Source
func (j *JPEGs) FPS() float64 { return 0 }

// Close implements Source
func (j *JPEGs) Close() error { return nil }
