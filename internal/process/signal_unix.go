//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

func signalGroup(pid int, sig Signal) error {
	s := syscall.SIGTERM
	if sig == Kill {
		s = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, s)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case it left the group
		err = syscall.Kill(pid, s)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

// processAlive probes pid with signal 0. A zombie awaiting reap counts as dead.
func processAlive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func describeSignal(st *os.ProcessState) string {
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "signal " + ws.Signal().String()
	}
	return "code -1"
}
