package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"       // child launched
	EventReady      EventType = "ready"       // readiness resolved
	EventStartFail  EventType = "start_fail"  // launch error or exit before ready
	EventStop       EventType = "stop"        // graceful stop completed
	EventExit       EventType = "exit"        // exited without a stop request
	EventForceKill  EventType = "force_kill"  // operator-confirmed kill
	EventPortForced EventType = "port_forced" // port holder killed without a slot
)

// Record is the app launch an event refers to.
type Record struct {
	AppID     string    `json:"app_id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	WorkDir   string    `json:"work_dir"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	Detail    string    `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Valid reports whether e carries the fields every sink relies on.
func (e Event) Valid() bool {
	return e.Type != "" && !e.OccurredAt.IsZero() && e.Record.AppID != ""
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullTime maps a zero time to SQL NULL.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Multi fans one event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer-like Close() error.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
