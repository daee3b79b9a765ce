package zone

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/metrics"
	"github.com/dj-oyu/zm-aidect/internal/zoneminder"
)

// ErrNoZone is returned when a monitor has no aidect zone
var ErrNoZone = errors.New("no aidect zone")

// DefaultPollInterval is how often the host's zone table is re-read
const DefaultPollInterval = 5 * time.Second

// Store is the subset of the host database the watcher reads
type Store interface {
	Monitor(ctx context.Context, id int) (*zoneminder.Monitor, error)
	Zones(ctx context.Context, monitorID int) ([]zoneminder.Zone, error)
}

// Watcher polls a monitor's zones and publishes configuration snapshots
type Watcher struct {
	monitorID int
	store     Store
	interval  time.Duration
	metrics   *metrics.Metrics

	current   atomic.Pointer[MonitorConfig]
	lastErr   string
	lastMulti int
}

// NewWatcher creates a watcher for monitorID. m may be nil.
func NewWatcher(monitorID int, store Store, interval time.Duration, m *metrics.Metrics) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		monitorID: monitorID,
		store:     store,
		interval:  interval,
		metrics:   m,
	}
}

// Current returns the latest published snapshot, or nil if none parsed yet
func (w *Watcher) Current() *MonitorConfig {
	return w.current.Load()
}

// Poll reads the zone once. It returns a non-nil config only when the parsed
// result differs from the published one. On error the published snapshot is kept,
// except on first load where a malformed name publishes Defaults and returns
// both the defaults and the parse error.
func (w *Watcher) Poll(ctx context.Context) (*MonitorConfig, error) {
	mon, err := w.store.Monitor(ctx, w.monitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor %d: %w", w.monitorID, err)
	}
	zones, err := w.store.Zones(ctx, w.monitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones for monitor %d: %w", w.monitorID, err)
	}

	var matching []zoneminder.Zone
	for _, z := range zones {
		if IsZoneName(z.Name) {
			matching = append(matching, z)
		}
	}
	if len(matching) == 0 {
		return nil, fmt.Errorf("monitor %d: %w", w.monitorID, ErrNoZone)
	}
	if len(matching) > 1 && len(matching) != w.lastMulti {
		logger.Warn("Zone", "Monitor %d has %d aidect zones, using zone %d (%q)",
			w.monitorID, len(matching), matching[0].ID, matching[0].Name)
	}

	w.lastMulti = len(matching)

	z := matching[0]
	cfg, err := Parse(w.monitorID, z.Name, z.Coords, mon.AnalysisFPSLimit)
	if err != nil {
		if w.current.Load() != nil || !errors.Is(err, ErrParse) {
			return nil, err
		}
		def, derr := Defaults(w.monitorID, z.Coords, mon.AnalysisFPSLimit)
		if derr != nil {
			return nil, err
		}
		w.current.Store(def)
		return def, err
	}

	if cfg.Equal(w.current.Load()) {
		return nil, nil
	}
	w.current.Store(cfg)
	return cfg, nil
}

// Run polls until ctx is cancelled. Errors are logged once per distinct message.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.pollAndReport(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pollAndReport(ctx context.Context) {
	cfg, err := w.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if w.metrics != nil {
			w.metrics.ConfigErrors.Add(1)
		}
		if msg := err.Error(); msg != w.lastErr {
			w.lastErr = msg
			switch {
			case cfg != nil:
				logger.Warn("Zone", "%v (using defaults)", err)
			case w.current.Load() != nil:
				logger.Warn("Zone", "%v (keeping previous configuration)", err)
			default:
				logger.Warn("Zone", "%v", err)
			}
		}
		if cfg == nil {
			return
		}
	} else {
		w.lastErr = ""
	}

	if cfg != nil {
		if w.metrics != nil {
			w.metrics.ConfigReloads.Add(1)
		}
		logger.Info("Zone", "Monitor %d configuration: %s region=%v trigger=%d fps=%.2f",
			cfg.MonitorID, cfg.Format(), cfg.Region.Bounds, cfg.TriggerID, cfg.EffectiveFPS())
	}
}
