package trigger

import (
	"context"

	"github.com/dj-oyu/zm-aidect/internal/logger"
)

// NotesUpdater stores an annotation on a host event
type NotesUpdater interface {
	UpdateEventNotes(ctx context.Context, eventID uint64, notes string) error
}

// Notes decorates a trigger and writes the annotation into the notes of the
// host event it acknowledged. Note failures are logged and never fail Fire.
type Notes struct {
	next Trigger
	db   NotesUpdater
}

// WithNotes wraps next
func WithNotes(next Trigger, db NotesUpdater) *Notes {
	return &Notes{next: next, db: db}
}

// Fire implements Trigger
func (n *Notes) Fire(ctx context.Context, ev Event) (Ack, error) {
	ack, err := n.next.Fire(ctx, ev)
	if err != nil || ack.EventID == 0 {
		return ack, err
	}
	if err := n.db.UpdateEventNotes(ctx, ack.EventID, ev.Annotation); err != nil {
		logger.Warn("Trigger", "Failed to update notes of event %d: %v", ack.EventID, err)
	}
	return ack, nil
}

// Close implements Trigger
func (n *Notes) Close() error {
	return n.next.Close()
}
