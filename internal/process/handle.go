package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Signal is a termination request delivered to a child's process group.
type Signal int

const (
	Interrupt Signal = iota // graceful: SIGTERM on Unix
	Kill                    // forced: SIGKILL on Unix
)

func (s Signal) String() string {
	if s == Kill {
		return "kill"
	}
	return "interrupt"
}

const (
	// lineBuffer bounds undelivered output; the reader of Lines sets the pace.
	lineBuffer = 256
	// waitDelay bounds how long Wait keeps draining pipes that outlived the child.
	waitDelay = 2 * time.Second
)

// Handle is one launched child process. Its output is pushed on Lines until
// the process exits; a Handle is never restarted.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	lines     chan Line
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
	state   *os.ProcessState
}

// Launch starts spec with env as the base environment (nil inherits the
// current one). spec.Env entries are appended after env.
// Every failure wraps ErrLaunch.
func Launch(spec Spec, env []string) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Name, err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s: %s is not a directory", ErrLaunch, spec.Name, spec.WorkDir)
		}
		cmd.Dir = spec.WorkDir
	}
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), spec.Env...)
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var outFile, errFile io.WriteCloser
	if spec.Log.Enabled() {
		outFile, errFile, err = spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Name, err)
		}
	}
	lines := make(chan Line, lineBuffer)
	ow := &lineWriter{stream: Stdout, out: lines}
	ew := &lineWriter{stream: Stderr, out: lines}
	if outFile != nil {
		ow.tee = outFile
	}
	if errFile != nil {
		ew.tee = errFile
	}
	cmd.Stdout = ow
	cmd.Stderr = ew

	if err := cmd.Start(); err != nil {
		closeAll(outFile, errFile)
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Name, err)
	}
	h := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		lines:     lines,
		done:      make(chan struct{}),
	}
	go h.wait(ow, ew, outFile, errFile)
	return h, nil
}

func (h *Handle) wait(ow, ew *lineWriter, closers ...io.WriteCloser) {
	err := h.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		// the child exited cleanly; only a leftover descendant kept a pipe open
		err = nil
	}
	ow.flush()
	ew.flush()
	closeAll(closers...)
	h.mu.Lock()
	h.exitErr = err
	h.state = h.cmd.ProcessState
	h.mu.Unlock()
	close(h.lines)
	close(h.done)
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Lines delivers output in order and is closed once the process has exited
// and its pipes are drained. Callers must keep reading it.
func (h *Handle) Lines() <-chan Line { return h.lines }

// Done is closed after the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// IsAlive reports whether the child is still running.
func (h *Handle) IsAlive() bool {
	if h.Exited() {
		return false
	}
	return processAlive(h.pid)
}

// Signal delivers sig to the child's whole process group.
// Signalling an exited process is a no-op.
func (h *Handle) Signal(sig Signal) error {
	if h.Exited() {
		return nil
	}
	if err := signalGroup(h.pid, sig); err != nil {
		return fmt.Errorf("signal %s pid %d: %w", sig, h.pid, err)
	}
	return nil
}

// Wait blocks until the process is reaped or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitErr is the error from the child's Wait, nil while running or on a
// clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode is the child's exit status, or -1 while running or when the
// child was terminated by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return -1
	}
	return h.state.ExitCode()
}

// ExitDescription renders the exit as "code N" or "signal NAME".
func (h *Handle) ExitDescription() string {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st == nil {
		return "running"
	}
	if code := st.ExitCode(); code >= 0 {
		return fmt.Sprintf("code %d", code)
	}
	return describeSignal(st)
}
