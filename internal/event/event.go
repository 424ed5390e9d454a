package event

import "time"

// Kind tags an Event. The string values are part of the wire format
// consumed by log viewers ("type" field).
type Kind string

const (
	KindSystem  Kind = "system"
	KindInfo    Kind = "info"
	KindError   Kind = "error"
	KindConfirm Kind = "confirm"
)

// Confirmation actions carried by KindConfirm events.
const (
	ActionProcessRunning = "process_running"
	ActionPortInUse      = "port_in_use"
)

// Event is an immutable log/status record published on the Bus.
// Seq is assigned by the Bus and increases by one per publish.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action,omitempty"`
}

func System(msg string) Event { return Event{Kind: KindSystem, Message: msg} }
func Info(msg string) Event   { return Event{Kind: KindInfo, Message: msg} }
func Error(msg string) Event  { return Event{Kind: KindError, Message: msg} }

// Confirm builds a confirmation request for a forced operation.
func Confirm(action, msg string) Event {
	return Event{Kind: KindConfirm, Message: msg, Action: action}
}
