package trigger

import (
	"context"
	"errors"

	"github.com/dj-oyu/zm-aidect/internal/logger"
)

// Fanout fires a primary trigger and mirrors every event to secondary sinks.
// Only the primary's result is reported; mirror failures are logged.
type Fanout struct {
	primary Trigger
	mirrors []Trigger
}

// NewFanout combines primary with mirrors
func NewFanout(primary Trigger, mirrors ...Trigger) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors}
}

// Fire implements Trigger
func (f *Fanout) Fire(ctx context.Context, ev Event) (Ack, error) {
	ack, err := f.primary.Fire(ctx, ev)
	for _, m := range f.mirrors {
		if _, merr := m.Fire(ctx, ev); merr != nil {
			logger.Warn("Trigger", "Mirror failed for event %s: %v", ev.ID, merr)
		}
	}
	return ack, err
}

// Close closes the primary and all mirrors
func (f *Fanout) Close() error {
	errs := []error{f.primary.Close()}
	for _, m := range f.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
