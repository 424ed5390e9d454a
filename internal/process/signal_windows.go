//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	gproc "github.com/shirou/gopsutil/v4/process"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// signalGroup terminates pid and every descendant. Windows offers no
// console-independent graceful signal, so Interrupt and Kill both end the
// tree. Descendants are listed before the leader dies so none is orphaned.
func signalGroup(pid int, _ Signal) error {
	tree := append([]int32{int32(pid)}, descendants(int32(pid))...) // #nosec G115 -- pids fit in int32
	var errs []error
	for _, p := range tree {
		if err := terminate(uint32(p)); err != nil { // #nosec G115
			errs = append(errs, fmt.Errorf("terminate pid %d: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func descendants(pid int32) []int32 {
	p, err := gproc.NewProcess(pid)
	if err != nil {
		return nil
	}
	kids, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int32
	for _, k := range kids {
		out = append(out, k.Pid)
		out = append(out, descendants(k.Pid)...)
	}
	return out
}

func terminate(pid uint32) error {
	h, err := openProcess(processTerminate, pid)
	if err != nil {
		// exited between lookup and open
		return nil
	}
	defer closeHandle(h)
	ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	h, err := openProcess(processQueryInformation, uint32(pid))
	if err != nil {
		return false
	}
	closeHandle(h)
	return true
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(h))
}

func describeSignal(*os.ProcessState) string { return "code -1" }
