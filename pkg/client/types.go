package client

import (
	"fmt"
	"time"
)

// StartRequest asks the daemon to switch the port to an app. Empty
// StartCommand and FolderPath fall back to the daemon's app catalog.
type StartRequest struct {
	AppID        string `json:"appId"`
	StartCommand string `json:"startCommand,omitempty"`
	FolderPath   string `json:"folderPath,omitempty"`
}

type KillPortRequest struct {
	Force bool `json:"force"`
}

// Status mirrors GET /status. AppID is nil when nothing runs.
type Status struct {
	Running       bool       `json:"running"`
	AppID         *string    `json:"appId"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	PendingAction string     `json:"pendingAction,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// App is one catalog entry from GET /apps.
type App struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	FolderPath   string `json:"folderPath"`
	StartCommand string `json:"startCommand,omitempty"`
}

// LogEvent is one entry of the /logs stream.
type LogEvent struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action,omitempty"`
}

// Result is the body of every control endpoint.
type Result struct {
	Success           bool   `json:"success"`
	NeedsConfirmation bool   `json:"needsConfirmation,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode        int
	Message           string
	NeedsConfirmation bool
	Reason            string
}

func (e *APIError) Error() string {
	if e.NeedsConfirmation {
		return fmt.Sprintf("confirmation required (%s): %s", e.Reason, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "API error: " + e.Message
}
