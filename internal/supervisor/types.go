package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/portswitch/internal/detector"
	"github.com/loykin/portswitch/internal/event"
	"github.com/loykin/portswitch/internal/logger"
)

// State is the supervisor's position in its state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateStarting             State = "starting"
	StateRunning              State = "running"
	StateStopping             State = "stopping"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	// StateError follows a failed start or an unexpected exit; it behaves like idle.
	StateError State = "error"
)

// Confirmation reasons, shared with the confirm event action tag.
const (
	ReasonProcessRunning = event.ActionProcessRunning
	ReasonPortInUse      = event.ActionPortInUse
)

// App is one launchable application. Start copies it.
type App struct {
	ID           string
	Name         string
	Command      string
	WorkDir      string
	Env          []string
	ReadyMarkers []string
	ReadyTimeout time.Duration
	ReadyProbes  []detector.Detector
	Log          logger.FileConfig
}

func (a App) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidApp)
	}
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("%w: %s: command is required", ErrInvalidApp, a.ID)
	}
	return nil
}

func (a App) clone() App {
	c := a
	c.Env = append([]string(nil), a.Env...)
	c.ReadyMarkers = append([]string(nil), a.ReadyMarkers...)
	c.ReadyProbes = append([]detector.Detector(nil), a.ReadyProbes...)
	return c
}

// Status is a point-in-time view. Running is true exactly when the process
// slot is occupied.
type Status struct {
	Running       bool      `json:"running"`
	AppID         string    `json:"appId,omitempty"`
	State         State     `json:"state"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
	PendingAction string    `json:"pendingAction,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// Policy holds the polling cadence of control operations.
type Policy struct {
	ExitPollAttempts int
	PortPollAttempts int
	PollInterval     time.Duration
	SettleDelay      time.Duration
	ReadyTimeout     time.Duration
	ProbeInterval    time.Duration
}

// DefaultPolicy: 10 polls at 500ms for exits and the port, 500ms settle,
// 2s readiness fallback.
func DefaultPolicy() Policy {
	return Policy{
		ExitPollAttempts: 10,
		PortPollAttempts: 10,
		PollInterval:     500 * time.Millisecond,
		SettleDelay:      500 * time.Millisecond,
		ReadyTimeout:     detector.DefaultTimeout,
		ProbeInterval:    detector.DefaultProbeInterval,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.ExitPollAttempts <= 0 {
		p.ExitPollAttempts = d.ExitPollAttempts
	}
	if p.PortPollAttempts <= 0 {
		p.PortPollAttempts = d.PortPollAttempts
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.SettleDelay < 0 {
		p.SettleDelay = 0
	}
	if p.ReadyTimeout <= 0 {
		p.ReadyTimeout = d.ReadyTimeout
	}
	if p.ProbeInterval <= 0 {
		p.ProbeInterval = d.ProbeInterval
	}
	return p
}
