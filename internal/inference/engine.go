// Package inference runs model inputs through a detection backend.
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/pipeline"
)

var (
	// ErrUnknownBackend means no backend is registered under the requested name
	ErrUnknownBackend = errors.New("unknown inference backend")
	// ErrResourceMissing means model files or the remote service are unavailable
	ErrResourceMissing = errors.New("inference resources missing")
)

// Info describes the backend actually in use
type Info struct {
	Name   string // Backend name, e.g. "opencv"
	Device string // Accelerator, e.g. "cuda" or "cpu"
}

func (i Info) String() string {
	if i.Device == "" {
		return i.Name
	}
	return i.Name + "/" + i.Device
}

// Engine turns one model input into raw detections in model-input pixels.
// Class ids of the returned detections are 1-based COCO ids.
type Engine interface {
	Layout() pipeline.Layout
	Infer(ctx context.Context, t *pipeline.Tensor) ([]pipeline.Raw, error)
	Info() Info
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend       string        // Registered backend name
	Endpoint      string        // Remote service base URL (http)
	Weights       string        // Model weights path (opencv)
	ModelConfig   string        // Model config path (opencv)
	Target        string        // "auto", "cpu" or "cuda"
	ClassOffset   int           // Added to backend class ids to make them 1-based
	MinConfidence float64       // Confidence floor requested from the backend
	Timeout       time.Duration // Per-request timeout (http)
}

// Factory creates an engine from its configuration
type Factory func(cfg Config) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Backends lists the registered backend names
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Open creates the engine named by cfg.Backend
func Open(cfg Config) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(cfg.Backend)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, cfg.Backend, strings.Join(Backends(), ", "))
	}
	return f(cfg)
}
