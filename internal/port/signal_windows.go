//go:build windows

package port

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// OSSignaler terminates processes through TerminateProcess. Windows has no
// graceful signal for foreign processes, so Terminate and Kill are the same.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return terminate(pid) }
func (OSSignaler) Kill(pid int) error      { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		// the process most likely exited between lookup and open
		_ = err
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	ret, _, err := procTerminateProcess.Call(h, uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}
