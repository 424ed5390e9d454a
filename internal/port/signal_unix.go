//go:build !windows

package port

import (
	"errors"
	"syscall"
)

// OSSignaler sends SIGTERM/SIGKILL to a single PID.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return send(pid, syscall.SIGTERM) }
func (OSSignaler) Kill(pid int) error      { return send(pid, syscall.SIGKILL) }

func send(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// already gone
		return nil
	}
	return err
}
