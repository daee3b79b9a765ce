package metrics

import (
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all per-monitor daemon metrics
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64

	// Pipeline counters
	Inferences    atomic.Uint64
	Detections    atomic.Uint64
	Triggers      atomic.Uint64
	ConfigReloads atomic.Uint64

	// Error counters
	ReadErrors      atomic.Uint64
	InferenceErrors atomic.Uint64
	TriggerErrors   atomic.Uint64
	ConfigErrors    atomic.Uint64
	CycleTimeouts   atomic.Uint64
	HostFaults      atomic.Uint64
	Restarts        atomic.Uint64

	// Gauges
	InputSize   atomic.Uint64
	WorkerState atomic.Uint64
	fps         atomic.Uint64 // math.Float64bits
	fpsDev      atomic.Uint64 // math.Float64bits

	inferenceDuration prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a Metrics instance labelled with the monitor id
func New(monitorID int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics(prometheus.Labels{"monitor": strconv.Itoa(monitorID)})
	return m
}

func (m *Metrics) registerPrometheusMetrics(labels prometheus.Labels) {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels},
			func() float64 { return float64(v.Load()) },
		))
	}
	gauge := func(name, help string, f func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels},
			f,
		))
	}

	// Frame metrics
	counter("aidect_frames_read_total", "Total frames acquired from shared memory", &m.FramesRead)
	counter("aidect_frames_processed_total", "Total frames run through the pipeline", &m.FramesProcessed)
	counter("aidect_frames_skipped_total", "Total frames skipped (duplicate, superseded or monitor inactive)", &m.FramesSkipped)

	// Pipeline metrics
	counter("aidect_inferences_total", "Number of ML inferences", &m.Inferences)
	counter("aidect_detections_total", "Detections surviving post-processing", &m.Detections)
	counter("aidect_triggers_total", "Triggers delivered to the host", &m.Triggers)
	counter("aidect_config_reloads_total", "Zone configuration changes applied", &m.ConfigReloads)

	// Error metrics
	counter("aidect_read_errors_total", "Shared memory read errors", &m.ReadErrors)
	counter("aidect_inference_errors_total", "Inference backend errors", &m.InferenceErrors)
	counter("aidect_trigger_errors_total", "Trigger delivery errors", &m.TriggerErrors)
	counter("aidect_config_errors_total", "Zone configuration errors", &m.ConfigErrors)
	counter("aidect_cycle_timeouts_total", "Frame or inference calls that timed out", &m.CycleTimeouts)
	counter("aidect_host_faults_total", "Host unavailable observations", &m.HostFaults)
	counter("aidect_restarts_total", "Worker restarts after a fault", &m.Restarts)

	// Gauges
	gauge("aidect_fps", "Current fps", func() float64 { return math.Float64frombits(m.fps.Load()) })
	gauge("aidect_fps_deviation", "Current deviation from configured fps (positive=faster, negative=slower)",
		func() float64 { return math.Float64frombits(m.fpsDev.Load()) })
	gauge("aidect_input_size", "ML network input size", func() float64 { return float64(m.InputSize.Load()) })
	gauge("aidect_worker_state", "Worker state (0=starting 1=running 2=reconfiguring 3=faulted 4=stopping)",
		func() float64 { return float64(m.WorkerState.Load()) })

	m.inferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "aidect_inference_duration_seconds",
		Help:        "Duration of ML inference",
		ConstLabels: labels,
		Buckets:     prometheus.DefBuckets,
	})
	m.registry.MustRegister(m.inferenceDuration)
}

// ObserveInference records one inference call
func (m *Metrics) ObserveInference(d time.Duration) {
	m.Inferences.Add(1)
	m.inferenceDuration.Observe(d.Seconds())
}

// UpdateFPS records the measured rate and its deviation from target.
// A target of 0 (unthrottled) reports zero deviation.
func (m *Metrics) UpdateFPS(actual, target float64) {
	m.fps.Store(math.Float64bits(actual))
	dev := 0.0
	if target > 0 {
		dev = actual - target
	}
	m.fpsDev.Store(math.Float64bits(dev))
}

// FPS returns the last measured rate
func (m *Metrics) FPS() float64 {
	return math.Float64frombits(m.fps.Load())
}

// Snapshot returns the counters as a map for status output
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"frames_read":      m.FramesRead.Load(),
		"frames_processed": m.FramesProcessed.Load(),
		"frames_skipped":   m.FramesSkipped.Load(),
		"inferences":       m.Inferences.Load(),
		"detections":       m.Detections.Load(),
		"triggers":         m.Triggers.Load(),
		"trigger_errors":   m.TriggerErrors.Load(),
		"config_reloads":   m.ConfigReloads.Load(),
		"config_errors":    m.ConfigErrors.Load(),
		"cycle_timeouts":   m.CycleTimeouts.Load(),
		"host_faults":      m.HostFaults.Load(),
		"restarts":         m.Restarts.Load(),
	}
}
