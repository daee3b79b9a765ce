package trigger

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSocketPath is where zmtrigger listens
	DefaultSocketPath = "/run/zm/zmtrigger.sock"
	// DefaultDuration is how long a socket trigger keeps the alarm on
	DefaultDuration = 10 * time.Second

	maxSocketCause = 31
	maxSocketText  = 254
)

// Socket triggers through the host's zmtrigger unix socket using
// "<id>|on+<secs>|<score>|<cause>|<text>|", answered with a line ending in the event id.
type Socket struct {
	path     string
	cause    string
	duration time.Duration
	timeout  time.Duration
}

// NewSocket creates a zmtrigger client
func NewSocket(path, cause string, duration, timeout time.Duration) (*Socket, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	if cause == "" {
		cause = DefaultCause
	}
	if len(cause) > maxSocketCause || strings.Contains(cause, "|") {
		return nil, fmt.Errorf("invalid trigger cause %q", cause)
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Socket{path: path, cause: cause, duration: duration, timeout: timeout}, nil
}

// Command renders the zmtrigger command for an event
func (s *Socket) Command(ev Event) string {
	text := truncate(strings.ReplaceAll(ev.Annotation, "|", "/"), maxSocketText)
	secs := int(s.duration.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d|on+%d|%d|%s|%s|", ev.TargetMonitor, secs, ev.Score, s.cause, text)
}

// Fire sends the command and parses the event id from the reply
func (s *Socket) Fire(ctx context.Context, ev Event) (Ack, error) {
	ack := Ack{Backend: "socket"}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.path)
	if err != nil {
		return ack, fmt.Errorf("%w: %w", ErrTriggerDelivery, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(s.Command(ev))); err != nil {
		return ack, fmt.Errorf("%w: write command: %w", ErrTriggerDelivery, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return ack, fmt.Errorf("%w: read reply: %w", ErrTriggerDelivery, err)
	}
	id, err := parseReply(reply)
	if err != nil {
		return ack, fmt.Errorf("%w: %w", ErrTriggerDelivery, err)
	}
	ack.EventID = id
	return ack, nil
}

// parseReply extracts the event id after the last '|'
func parseReply(reply string) (uint64, error) {
	i := strings.LastIndexByte(reply, '|')
	if i < 0 {
		return 0, fmt.Errorf("no/invalid reply: %q", reply)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(reply[i+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no/invalid reply: %q", reply)
	}
	return id, nil
}

// Close implements Trigger
func (s *Socket) Close() error { return nil }
