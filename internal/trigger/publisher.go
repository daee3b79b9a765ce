package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/pipeline"
)

// DefaultSubjectPrefix prefixes published event subjects
const DefaultSubjectPrefix = "aidect"

// Format is the payload encoding of published events
type Format int

const (
	// FormatJSON publishes a JSON object
	FormatJSON Format = iota
	// FormatProto publishes a serialized google.protobuf.Struct
	FormatProto
)

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

// ParseFormat parses "json" or "proto"
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("unknown event format %q", s)
	}
}

// Publisher mirrors events onto a NATS subject per target monitor
type Publisher struct {
	nc     *nats.Conn
	prefix string
	format Format
	owned  bool
}

// Connect dials url and returns a publisher owning the connection
func Connect(url, prefix string, format Format) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("aidect"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Events", "Disconnected from %s: %v", url, err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := NewPublisher(nc, prefix, format)
	p.owned = true
	logger.Info("Events", "Publishing %s events to %s", format, nc.ConnectedUrl())
	return p, nil
}

// NewPublisher publishes on an existing connection
func NewPublisher(nc *nats.Conn, prefix string, format Format) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, format: format}
}

// Subject returns the subject events for target are published on
func (p *Publisher) Subject(target int) string {
	return fmt.Sprintf("%s.events.%d", p.prefix, target)
}

// Fire implements Trigger
func (p *Publisher) Fire(ctx context.Context, ev Event) (Ack, error) {
	ack := Ack{Backend: "nats"}
	payload, err := p.encode(ev)
	if err != nil {
		return ack, err
	}
	if err := p.nc.Publish(p.Subject(ev.TargetMonitor), payload); err != nil {
		return ack, fmt.Errorf("%w: publish: %w", ErrTriggerDelivery, err)
	}
	return ack, nil
}

func (p *Publisher) encode(ev Event) ([]byte, error) {
	fields := eventFields(ev)
	if p.format == FormatProto {
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to build event struct: %w", err)
		}
		return proto.Marshal(s)
	}
	return json.Marshal(fields)
}

// eventFields flattens an event into structpb-compatible values
func eventFields(ev Event) map[string]any {
	dets := make([]any, len(ev.Detections))
	for i, d := range ev.Detections {
		dets[i] = map[string]any{
			"class":      pipeline.ClassName(d.ClassID),
			"class_id":   d.ClassID,
			"confidence": d.Confidence,
			"bbox":       []any{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y},
			"area":       d.Area,
		}
	}
	return map[string]any{
		"id":             ev.ID.String(),
		"source_monitor": ev.SourceMonitor,
		"target_monitor": ev.TargetMonitor,
		"timestamp":      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"frame_seq":      ev.FrameSeq,
		"annotation":     ev.Annotation,
		"score":          ev.Score,
		"detections":     dets,
	}
}

// Close flushes and, if owned, closes the connection
func (p *Publisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
