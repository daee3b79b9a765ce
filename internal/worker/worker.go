// Package worker runs the per-monitor detection loop.
//
// A Worker moves through Starting, Running, Reconfiguring, Faulted and
// Stopping. Per-cycle errors are counted and logged inside the loop; only
// startup failures and exhausted restarts leave Run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/config"
	"github.com/dj-oyu/zm-aidect/internal/inference"
	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/metrics"
	"github.com/dj-oyu/zm-aidect/internal/pipeline"
	"github.com/dj-oyu/zm-aidect/internal/recorder"
	"github.com/dj-oyu/zm-aidect/internal/shm"
	"github.com/dj-oyu/zm-aidect/internal/trigger"
	"github.com/dj-oyu/zm-aidect/internal/zone"
	"github.com/dj-oyu/zm-aidect/internal/zoneminder"
	"github.com/dj-oyu/zm-aidect/pkg/types"
)

var (
	// ErrStartup marks failures that retrying cannot fix
	ErrStartup = errors.New("startup failed")
	// ErrFrameTimeout means one acquire exceeded frame_timeout
	ErrFrameTimeout = errors.New("frame acquisition timed out")
	// ErrInferenceTimeout means one inference exceeded inference_timeout
	ErrInferenceTimeout = errors.New("inference timed out")
	// ErrHostLost means the worker gave up restarting
	ErrHostLost = errors.New("host lost")

	errSkip = errors.New("frame skipped")
)

// StartupError carries the step that failed while starting
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStartup) true for every StartupError
func (e *StartupError) Is(target error) bool { return target == ErrStartup }

// State is the worker's lifecycle state
type State uint32

const (
	StateStarting State = iota
	StateRunning
	StateReconfiguring
	StateFaulted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	case StateFaulted:
		return "faulted"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// FrameSource hands out the newest frame of a monitor
type FrameSource interface {
	Acquire(ctx context.Context) (*types.Frame, error)
	Close() error
}

// MonitorStore looks up the monitor row
type MonitorStore interface {
	Monitor(ctx context.Context, id int) (*zoneminder.Monitor, error)
}

// ConfigSource publishes configuration snapshots
type ConfigSource interface {
	Current() *zone.MonitorConfig
}

// SnapshotSink receives the zone crops of triggering cycles
type SnapshotSink interface {
	Submit(s recorder.Snapshot) bool
}

// Deps are the collaborators of a Worker. Snapshots and Metrics may be nil.
type Deps struct {
	MonitorID  int
	Monitors   MonitorStore
	Config     ConfigSource
	OpenSource func(mon *zoneminder.Monitor) (FrameSource, error)
	OpenEngine func() (inference.Engine, error)
	Trigger    trigger.Trigger
	Snapshots  SnapshotSink
	Metrics    *metrics.Metrics
}

// Worker is the detection loop of one monitor
type Worker struct {
	deps Deps
	opts config.WorkerConfig

	monitor *zoneminder.Monitor
	engine  inference.Engine
	source  FrameSource

	state    atomic.Uint32
	seen     atomic.Uint64
	lastSeq  uint64
	haveSeq  bool
	lastTick time.Time

	fpsStart time.Time
	fpsCount int

	mu            sync.Mutex
	cfg           *zone.MonitorConfig
	lastDetection time.Time
	lastEventID   uint64
	faults        *logger.Repeat

	closeOnce sync.Once
	sleep     func(ctx context.Context, d time.Duration) bool
	now       func() time.Time
}

// New creates a worker. Timings left at zero fall back to config defaults.
func New(deps Deps, opts config.WorkerConfig) *Worker {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(deps.MonitorID)
	}
	def := config.Default().Worker
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = def.FrameTimeout
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = def.InferenceTimeout
	}
	if opts.MaxHostFaults <= 0 {
		opts.MaxHostFaults = def.MaxHostFaults
	}
	if opts.MaxCycleTimeouts <= 0 {
		opts.MaxCycleTimeouts = def.MaxCycleTimeouts
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = def.BackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(def.BackoffMax, opts.BackoffInitial)
	}
	if opts.SelfTestTimeout <= 0 {
		opts.SelfTestTimeout = def.SelfTestTimeout
	}
	return &Worker{
		deps:   deps,
		opts:   opts,
		faults: logger.NewRepeat("Worker"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if old := State(w.state.Swap(uint32(s))); old != s {
		logger.Debug("Worker", "State %s -> %s", old, s)
	}
	w.deps.Metrics.WorkerState.Store(uint64(s))
}

// Run drives the loop until ctx is cancelled. It returns nil on cancellation,
// a *StartupError for fatal startup failures and ErrHostLost once max_restarts
// consecutive restarts failed.
func (w *Worker) Run(ctx context.Context) error {
	defer w.Close()

	backoff := w.opts.BackoffInitial
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateStarting)
		err := w.start(ctx)
		processed := false
		if err == nil {
			processed, err = w.running(ctx)
			if err == nil {
				return nil
			}
		}
		var se *StartupError
		if errors.As(err, &se) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateFaulted)
		w.closeSource()
		w.deps.Metrics.Restarts.Add(1)
		if processed {
			failures = 0
			backoff = w.opts.BackoffInitial
		}
		failures++
		if w.opts.MaxRestarts > 0 && failures > w.opts.MaxRestarts {
			return fmt.Errorf("%w: %d consecutive restarts failed: %w", ErrHostLost, w.opts.MaxRestarts, err)
		}

		logger.Warn("Worker", "Faulted: %v (restart %d in %s)", err, failures, backoff)
		if !w.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, w.opts.BackoffMax)
	}
}

// start loads the monitor row, opens the engine once and opens the frame source
func (w *Worker) start(ctx context.Context) error {
	if w.monitor == nil {
		if w.deps.Monitors == nil {
			return &StartupError{Step: "monitor", Err: errors.New("no monitor store")}
		}
		mon, err := w.deps.Monitors.Monitor(ctx, w.deps.MonitorID)
		if err != nil {
			if errors.Is(err, zoneminder.ErrMonitorNotFound) {
				return &StartupError{Step: "monitor", Err: err}
			}
			return fmt.Errorf("monitor lookup: %w", err)
		}
		w.monitor = mon
		logger.Info("Worker", "Monitor %d %q: %dx%d, %d buffers, analysis fps limit %.2f",
			mon.ID, mon.Name, mon.Width, mon.Height, mon.ImageBufferCount, mon.AnalysisFPSLimit)
	}

	if w.engine == nil {
		eng, err := w.deps.OpenEngine()
		if err != nil {
			return &StartupError{Step: "engine", Err: err}
		}
		w.engine = eng
		logger.Info("Worker", "Inference engine %s (%s input)", eng.Info(), eng.Layout())
	}

	src, err := w.deps.OpenSource(w.monitor)
	if err != nil {
		return fmt.Errorf("frame source: %w", err)
	}
	w.source = src
	w.haveSeq = false
	return nil
}

// running is the Running state. processed reports whether any frame went
// through the pipeline before the fault.
func (w *Worker) running(ctx context.Context) (processed bool, err error) {
	var cfg *zone.MonitorConfig
	hostFaults, timeouts := 0, 0
	w.lastTick = time.Time{}
	w.fpsStart, w.fpsCount = time.Time{}, 0
	w.setState(StateRunning)

	for {
		if ctx.Err() != nil {
			w.setState(StateStopping)
			return processed, nil
		}

		cur := w.deps.Config.Current()
		if cur == nil {
			w.sleep(ctx, w.opts.IdleInterval)
			continue
		}
		if cur != cfg {
			w.reconfigure(cfg, cur)
			cfg = cur
		}

		if !w.pace(ctx, cfg.EffectiveFPS()) {
			continue
		}

		err := w.cycle(ctx, cfg)
		switch {
		case err == nil:
			processed = true
			hostFaults, timeouts = 0, 0
			w.faults.Clear()

		case errors.Is(err, shm.ErrNoNewFrame), errors.Is(err, errSkip):
			hostFaults = 0
			w.deps.Metrics.FramesSkipped.Add(1)
			w.sleep(ctx, w.opts.IdleInterval)

		case errors.Is(err, shm.ErrFrameSuperseded):
			w.deps.Metrics.FramesSkipped.Add(1)

		case errors.Is(err, shm.ErrHostUnavailable):
			hostFaults++
			w.deps.Metrics.HostFaults.Add(1)
			w.faults.Report(err)
			if hostFaults >= w.opts.MaxHostFaults {
				return processed, err
			}
			w.sleep(ctx, w.opts.IdleInterval)

		case errors.Is(err, ErrFrameTimeout), errors.Is(err, ErrInferenceTimeout):
			timeouts++
			w.deps.Metrics.CycleTimeouts.Add(1)
			w.faults.Report(err)
			if timeouts >= w.opts.MaxCycleTimeouts {
				return processed, err
			}

		default:
			timeouts = 0
			w.faults.Report(err)
			w.sleep(ctx, w.opts.IdleInterval)
		}
	}
}

// reconfigure is the Reconfiguring state: a new snapshot was published
func (w *Worker) reconfigure(old, cfg *zone.MonitorConfig) {
	w.setState(StateReconfiguring)
	if old == nil {
		logger.Info("Worker", "Using configuration %s region=%v trigger=%d", cfg.Format(), cfg.Region.Bounds, cfg.TriggerID)
	} else {
		logger.Info("Worker", "Reconfigured %s -> %s region=%v trigger=%d", old.Format(), cfg.Format(), cfg.Region.Bounds, cfg.TriggerID)
	}
	w.deps.Metrics.InputSize.Store(uint64(cfg.Size))
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	w.lastTick = time.Time{}
	w.setState(StateRunning)
}

// pace sleeps until the next cycle is due under the fps ceiling
func (w *Worker) pace(ctx context.Context, fps float64) bool {
	if fps <= 0 || w.lastTick.IsZero() {
		w.lastTick = w.now()
		return true
	}
	interval := time.Duration(float64(time.Second) / fps)
	if wait := interval - w.now().Sub(w.lastTick); wait > 0 {
		if !w.sleep(ctx, wait) {
			return false
		}
	}
	w.lastTick = w.now()
	return true
}

// cycle runs one acquire → preprocess → infer → postprocess → trigger pass.
// It is not cancelled by ctx; each step has its own bound.
func (w *Worker) cycle(ctx context.Context, cfg *zone.MonitorConfig) error {
	cctx := context.WithoutCancel(ctx)
	m := w.deps.Metrics

	frame, err := w.acquire(cctx)
	if err != nil {
		if !errors.Is(err, shm.ErrNoNewFrame) {
			m.ReadErrors.Add(1)
		}
		return err
	}
	m.FramesRead.Add(1)

	if w.haveSeq && frame.Seq <= w.lastSeq {
		return errSkip
	}
	if !frame.Active {
		w.lastSeq, w.haveSeq = frame.Seq, true
		return errSkip
	}

	dets, tensor, err := w.detect(cctx, frame, cfg)
	if err != nil {
		return err
	}
	w.lastSeq, w.haveSeq = frame.Seq, true
	w.seen.Store(frame.Seq)
	m.FramesProcessed.Add(1)
	w.updateFPS(cfg.EffectiveFPS())

	if len(dets) == 0 {
		return nil
	}
	m.Detections.Add(uint64(len(dets)))

	ev := trigger.NewEvent(cfg.MonitorID, cfg.TriggerID, frame.Timestamp, frame.Seq, dets)
	logger.Info("Worker", "Frame %d: %s", frame.Seq, ev.Annotation)
	w.fire(cctx, ev)

	if w.deps.Snapshots != nil {
		w.deps.Snapshots.Submit(recorder.Snapshot{
			MonitorID:  cfg.MonitorID,
			Seq:        frame.Seq,
			Timestamp:  frame.Timestamp,
			Image:      tensor.Image,
			Annotation: ev.Annotation,
		})
	}
	return nil
}

func (w *Worker) acquire(ctx context.Context) (*types.Frame, error) {
	actx, cancel := context.WithTimeout(ctx, w.opts.FrameTimeout)
	defer cancel()

	frame, err := w.source.Acquire(actx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrFrameTimeout, w.opts.FrameTimeout)
	}
	return frame, err
}

// detect runs the pipeline on one frame
func (w *Worker) detect(ctx context.Context, frame *types.Frame, cfg *zone.MonitorConfig) ([]pipeline.Detection, *pipeline.Tensor, error) {
	tensor, tf, err := pipeline.Prepare(frame, cfg.Region.Bounds, cfg.Size, w.engine.Layout())
	if err != nil {
		return nil, nil, fmt.Errorf("preprocess: %w", err)
	}

	raw, err := w.infer(ctx, tensor)
	if err != nil {
		return nil, nil, err
	}

	dets := pipeline.Process(raw, pipeline.Params{
		Threshold: cfg.Threshold(),
		Transform: tf,
		Classes:   cfg.Classes,
		MinArea:   cfg.MinArea,
	})
	return dets, tensor, nil
}

type inferResult struct {
	raw []pipeline.Raw
	err error
}

// infer bounds one inference by inference_timeout even when the engine
// ignores its context. An abandoned call finishes in the background.
func (w *Worker) infer(ctx context.Context, tensor *pipeline.Tensor) ([]pipeline.Raw, error) {
	ictx, cancel := context.WithTimeout(ctx, w.opts.InferenceTimeout)
	defer cancel()

	done := make(chan inferResult, 1)
	start := time.Now()
	go func() {
		raw, err := w.engine.Infer(ictx, tensor)
		done <- inferResult{raw, err}
	}()

	select {
	case res := <-done:
		w.deps.Metrics.ObserveInference(time.Since(start))
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrInferenceTimeout, w.opts.InferenceTimeout)
			}
			w.deps.Metrics.InferenceErrors.Add(1)
			return nil, fmt.Errorf("inference: %w", res.err)
		}
		return res.raw, nil
	case <-ictx.Done():
		return nil, fmt.Errorf("%w after %s", ErrInferenceTimeout, w.opts.InferenceTimeout)
	}
}

// fire delivers ev. Failures are counted and logged, never returned.
func (w *Worker) fire(ctx context.Context, ev trigger.Event) (trigger.Ack, bool) {
	ack, err := w.deps.Trigger.Fire(ctx, ev)
	if err != nil {
		w.deps.Metrics.TriggerErrors.Add(1)
		logger.Warn("Worker", "Trigger of monitor %d failed: %v", ev.TargetMonitor, err)
		return ack, false
	}
	w.deps.Metrics.Triggers.Add(1)
	if ack.EventID != 0 {
		logger.Info("Worker", "Monitor %d alarmed, event %d (%s)", ev.TargetMonitor, ack.EventID, ack.Backend)
	}
	w.mu.Lock()
	w.lastDetection = ev.Timestamp
	w.lastEventID = ack.EventID
	w.mu.Unlock()
	return ack, true
}

func (w *Worker) updateFPS(target float64) {
	now := w.now()
	if w.fpsStart.IsZero() {
		w.fpsStart = now
		return
	}
	w.fpsCount++
	if elapsed := now.Sub(w.fpsStart); elapsed >= time.Second {
		w.deps.Metrics.UpdateFPS(float64(w.fpsCount)/elapsed.Seconds(), target)
		w.fpsStart, w.fpsCount = now, 0
	}
}

func (w *Worker) closeSource() {
	if w.source != nil {
		if err := w.source.Close(); err != nil {
			logger.Debug("Worker", "Closing frame source: %v", err)
		}
		w.source = nil
	}
}

// Close releases the engine, frame source and trigger
func (w *Worker) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		w.setState(StateStopping)
		w.closeSource()
		if w.engine != nil {
			errs = append(errs, w.engine.Close())
		}
		if w.deps.Trigger != nil {
			errs = append(errs, w.deps.Trigger.Close())
		}
		w.setState(StateStopped)
	})
	return errors.Join(errs...)
}

// Status is the worker's view for the status endpoint
type Status struct {
	MonitorID     int       `json:"monitor_id"`
	State         string    `json:"state"`
	Engine        string    `json:"engine,omitempty"`
	Config        string    `json:"config,omitempty"`
	Region        string    `json:"region,omitempty"`
	TriggerID     int       `json:"trigger_id,omitempty"`
	LastSeq       uint64    `json:"last_seq"`
	LastDetection time.Time `json:"last_detection,omitzero"`
	LastEventID   uint64    `json:"last_event_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// GetStatus returns a snapshot for the status endpoint
func (w *Worker) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		MonitorID:     w.deps.MonitorID,
		State:         w.State().String(),
		LastSeq:       w.seen.Load(),
		LastDetection: w.lastDetection,
		LastEventID:   w.lastEventID,
		LastError:     w.faults.Last(),
	}
	if w.cfg != nil {
		s.Config = w.cfg.Format()
		s.Region = w.cfg.Region.Bounds.String()
		s.TriggerID = w.cfg.TriggerID
	}
	return s
}
