// Package trigger signals detections to the host so it records an event.
package trigger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/zm-aidect/internal/pipeline"
)

// ErrTriggerDelivery means the host could not be signalled
var ErrTriggerDelivery = errors.New("trigger delivery failed")

// DefaultCause is the cause string shown by the host for our alarms
const DefaultCause = "aidect"

// Event is one qualifying detection cycle
type Event struct {
	ID            uuid.UUID
	SourceMonitor int
	TargetMonitor int
	Timestamp     time.Time
	FrameSeq      uint64
	Annotation    string
	Score         uint32 // Highest confidence in percent
	Detections    []pipeline.Detection
}

// NewEvent builds the event for a cycle's detections
func NewEvent(source, target int, ts time.Time, seq uint64, dets []pipeline.Detection) Event {
	var best float64
	for _, d := range dets {
		best = math.Max(best, d.Confidence)
	}
	return Event{
		ID:            uuid.New(),
		SourceMonitor: source,
		TargetMonitor: target,
		Timestamp:     ts,
		FrameSeq:      seq,
		Annotation:    pipeline.Annotate(dets),
		Score:         uint32(math.Round(best * 100)),
		Detections:    dets,
	}
}

// Ack is the host's answer to a fired trigger
type Ack struct {
	EventID uint64 // Host event id, 0 when unknown
	Backend string
}

// Trigger delivers events to the host. Implementations keep no
// de-duplication state; firing every qualifying cycle is safe.
type Trigger interface {
	Fire(ctx context.Context, ev Event) (Ack, error)
	Close() error
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xc0 == 0x80 {
		n--
	}
	return s[:n]
}
