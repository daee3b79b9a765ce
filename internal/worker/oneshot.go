package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/inference"
	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/pipeline"
	"github.com/dj-oyu/zm-aidect/internal/replay"
	"github.com/dj-oyu/zm-aidect/internal/shm"
	"github.com/dj-oyu/zm-aidect/internal/trigger"
	"github.com/dj-oyu/zm-aidect/internal/zone"
	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// selfTestAnnotation is sent when the test frame has no detections
const selfTestAnnotation = "aidect self-test"

// SelfTestResult reports one self-test pass
type SelfTestResult struct {
	Engine     inference.Info
	Config     string
	FrameSeq   uint64
	Inference  time.Duration
	Detections []pipeline.Detection
	Triggered  bool
	Ack        trigger.Ack
}

// SelfTest acquires one frame within selftest_timeout, runs the pipeline on
// it and fires one trigger, detections or not. A missing host mapping fails
// immediately with shm.ErrHostUnavailable.
func (w *Worker) SelfTest(ctx context.Context) (*SelfTestResult, error) {
	w.setState(StateStarting)
	if err := w.start(ctx); err != nil {
		return nil, err
	}
	cfg := w.deps.Config.Current()
	if cfg == nil {
		return nil, errors.New("no zone configuration for this monitor")
	}
	w.reconfigure(nil, cfg)

	tctx, cancel := context.WithTimeout(ctx, w.opts.SelfTestTimeout)
	defer cancel()

	var frame *types.Frame
	for {
		f, err := w.source.Acquire(tctx)
		if err == nil && f.Active {
			frame = f
			break
		}
		switch {
		case err == nil, errors.Is(err, shm.ErrNoNewFrame), errors.Is(err, shm.ErrFrameSuperseded):
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: no frame within %s", ErrFrameTimeout, w.opts.SelfTestTimeout)
		default:
			return nil, err
		}
		if !w.sleep(tctx, w.opts.IdleInterval) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: no frame within %s", ErrFrameTimeout, w.opts.SelfTestTimeout)
		}
	}

	start := time.Now()
	dets, _, err := w.detect(context.WithoutCancel(ctx), frame, cfg)
	if err != nil {
		return nil, err
	}
	res := &SelfTestResult{
		Engine:     w.engine.Info(),
		Config:     cfg.Format(),
		FrameSeq:   frame.Seq,
		Inference:  time.Since(start),
		Detections: dets,
	}

	ev := trigger.NewEvent(cfg.MonitorID, cfg.TriggerID, frame.Timestamp, frame.Seq, dets)
	if ev.Annotation == "" {
		ev.Annotation = selfTestAnnotation
	}
	res.Ack, res.Triggered = w.fire(context.WithoutCancel(ctx), ev)
	if !res.Triggered {
		return res, fmt.Errorf("%w: monitor %d", trigger.ErrTriggerDelivery, cfg.TriggerID)
	}
	return res, nil
}

// ReplayStats summarizes one replay
type ReplayStats struct {
	Frames     int
	Detections int
	Inference  time.Duration // Total time spent in the engine
}

// Replay runs every frame of src through the pipeline with cfg and writes
// the would-be triggers to out. It never fires a trigger.
func Replay(ctx context.Context, src replay.Source, cfg *zone.MonitorConfig, engine inference.Engine, out io.Writer) (ReplayStats, error) {
	var stats ReplayStats
	fps := src.FPS()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("frame %d: %w", stats.Frames+1, err)
		}
		stats.Frames++

		tensor, tf, err := pipeline.Prepare(frame, cfg.Region.Bounds, cfg.Size, engine.Layout())
		if err != nil {
			return stats, fmt.Errorf("frame %d: preprocess: %w", stats.Frames, err)
		}
		start := time.Now()
		raw, err := engine.Infer(ctx, tensor)
		stats.Inference += time.Since(start)
		if err != nil {
			return stats, fmt.Errorf("frame %d: inference: %w", stats.Frames, err)
		}
		dets := pipeline.Process(raw, pipeline.Params{
			Threshold: cfg.Threshold(),
			Transform: tf,
			Classes:   cfg.Classes,
			MinArea:   cfg.MinArea,
		})
		if len(dets) == 0 {
			continue
		}
		stats.Detections += len(dets)

		if fps > 0 {
			fmt.Fprintf(out, "frame %d (%.2fs): %s\n", stats.Frames, float64(stats.Frames-1)/fps, pipeline.Annotate(dets))
		} else {
			fmt.Fprintf(out, "frame %d: %s\n", stats.Frames, pipeline.Annotate(dets))
		}
	}

	if stats.Frames > 0 {
		logger.Info("Replay", "%d frames, %d detections, %.1f ms per inference",
			stats.Frames, stats.Detections, float64(stats.Inference.Microseconds())/1000/float64(stats.Frames))
	}
	return stats, nil
}
