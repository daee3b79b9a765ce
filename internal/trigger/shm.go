package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/shm"
	"github.com/dj-oyu/zm-aidect/pkg/types"
)

const (
	// DefaultAckTimeout bounds the wait for the host to enter alarm
	DefaultAckTimeout = 5 * time.Second
	ackPollInterval   = 10 * time.Millisecond
	maxShmText        = 255
)

// SharedMemory triggers through the target monitor's shared trigger block
type SharedMemory struct {
	mapDir     string
	cause      string
	ackTimeout time.Duration

	mu       sync.Mutex
	controls map[int]*shm.Control
}

// NewSharedMemory creates a trigger writing to mappings under mapDir
func NewSharedMemory(mapDir, cause string, ackTimeout time.Duration) *SharedMemory {
	if cause == "" {
		cause = DefaultCause
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &SharedMemory{
		mapDir:     mapDir,
		cause:      cause,
		ackTimeout: ackTimeout,
		controls:   make(map[int]*shm.Control),
	}
}

func (s *SharedMemory) control(id int) (*shm.Control, error) {
	if c, ok := s.controls[id]; ok {
		return c, nil
	}
	c, err := shm.OpenControl(s.mapDir, id)
	if err != nil {
		return nil, err
	}
	s.controls[id] = c
	return c, nil
}

func (s *SharedMemory) drop(id int) {
	if c, ok := s.controls[id]; ok {
		c.Close()
		delete(s.controls, id)
	}
}

// Fire sets the trigger, waits until the host reports Alarm or Alert,
// cancels the trigger and returns the host's latest event id.
func (s *SharedMemory) Fire(ctx context.Context, ev Event) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ack := Ack{Backend: "shm"}
	c, err := s.control(ev.TargetMonitor)
	if err != nil {
		return ack, fmt.Errorf("%w: monitor %d: %w", ErrTriggerDelivery, ev.TargetMonitor, err)
	}

	if err := c.SetTrigger(s.cause, truncate(ev.Annotation, maxShmText), ev.Score); err != nil {
		if errors.Is(err, shm.ErrHostUnavailable) {
			s.drop(ev.TargetMonitor)
		}
		return ack, fmt.Errorf("%w: set trigger: %w", ErrTriggerDelivery, err)
	}

	waitErr := s.awaitAlarm(ctx, c)

	if err := c.ResetTrigger(); err != nil {
		s.drop(ev.TargetMonitor)
		return ack, fmt.Errorf("%w: reset trigger: %w", ErrTriggerDelivery, err)
	}
	if waitErr != nil {
		if errors.Is(waitErr, shm.ErrHostUnavailable) {
			s.drop(ev.TargetMonitor)
		}
		return ack, fmt.Errorf("%w: %w", ErrTriggerDelivery, waitErr)
	}

	sd, err := c.Shared()
	if err != nil {
		return ack, fmt.Errorf("%w: %w", ErrTriggerDelivery, err)
	}
	ack.EventID = sd.LastEventID
	logger.Debug("Trigger", "Monitor %d alarmed, event %d", ev.TargetMonitor, ack.EventID)
	return ack, nil
}

func (s *SharedMemory) awaitAlarm(ctx context.Context, c *shm.Control) error {
	deadline := time.NewTimer(s.ackTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()

	for {
		sd, err := c.Shared()
		if err != nil {
			return err
		}
		if sd.State == types.StateAlarm || sd.State == types.StateAlert {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("host did not enter alarm within %s (state %s)", s.ackTimeout, sd.State)
		case <-ticker.C:
		}
	}
}

// Close releases all opened mappings
func (s *SharedMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, c := range s.controls {
		errs = append(errs, c.Close())
		delete(s.controls, id)
	}
	return errors.Join(errs...)
}
