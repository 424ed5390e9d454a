package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/portswitch/internal/process"
)

var (
	// ErrLaunch is process.ErrLaunch; a spawn failure leaves the slot empty.
	ErrLaunch = process.ErrLaunch
	// ErrPortBusy means the port did not clear after a graceful request.
	ErrPortBusy = errors.New("port is still in use")
	// ErrProcessUnresponsive means the slot process ignored the interrupt.
	ErrProcessUnresponsive = errors.New("process did not exit after interrupt")
	// ErrUnexpectedExit means the process died without a stop request.
	ErrUnexpectedExit = errors.New("process exited unexpectedly")
	// ErrNotReady means the readiness watch ended without a verdict.
	ErrNotReady   = errors.New("process did not become ready")
	ErrClosed     = errors.New("supervisor closed")
	ErrInvalidApp = errors.New("invalid app")
)

// ConfirmationError is returned when an operation paused in the
// awaiting_confirmation state. Err is ErrPortBusy or ErrProcessUnresponsive.
type ConfirmationError struct {
	Reason string
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirmation required (%s): %v", e.Reason, e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// NeedsConfirmation extracts the confirmation reason from err.
func NeedsConfirmation(err error) (string, bool) {
	var ce *ConfirmationError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
