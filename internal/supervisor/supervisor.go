package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/portswitch/internal/env"
	"github.com/loykin/portswitch/internal/event"
	"github.com/loykin/portswitch/internal/history"
	"github.com/loykin/portswitch/internal/metrics"
	"github.com/loykin/portswitch/internal/process"
)

// PortReclaimer is the port side of the supervisor. *port.Reclaimer
// satisfies it.
type PortReclaimer interface {
	Port() int
	IsPortBound(ctx context.Context) (bool, error)
	RequestGraceful(ctx context.Context) error
	WaitUntilFree(ctx context.Context, maxAttempts int, interval time.Duration) (bool, error)
	ForceFree(ctx context.Context) error
}

type Options struct {
	Reclaimer PortReclaimer // required
	Bus       *event.Bus    // nil creates a private bus
	Policy    Policy
	Env       *env.Env     // nil inherits the OS environment
	History   history.Sink // optional lifecycle audit
	Logger    *slog.Logger
	// Host is used in the "Server ready at" message; defaults to localhost.
	Host string
}

type slot struct {
	app      App
	handle   *process.Handle
	pumpDone chan struct{}
	stopping bool // set by the loop before it signals the handle
}

type action int

const (
	actionStart action = iota
	actionStop
	actionConfirm
	actionDeny
	actionKillPort
)

type command struct {
	action action
	app    App
	force  bool
	ctx    context.Context
	reply  chan error
}

// Supervisor owns at most one running app and the port it listens on.
//
// Control operations are executed one at a time by a single loop goroutine;
// Status reads shared state under an RWMutex and never waits on the loop.
//
// State machine:
// idle|error -> starting -> running -> stopping -> idle
// any blocked stop or port reclaim -> awaiting_confirmation
type Supervisor struct {
	reclaimer PortReclaimer
	bus       *event.Bus
	policy    Policy
	env       *env.Env
	history   history.Sink
	log       *slog.Logger
	host      string

	cmds      chan command
	exits     chan *process.Handle
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeErr  error
	pending   sync.WaitGroup // in-flight history sends

	mu      sync.RWMutex
	state   State
	slot    *slot
	confirm string
	lastErr string
}

func New(opts Options) (*Supervisor, error) {
	if opts.Reclaimer == nil {
		return nil, errors.New("supervisor: port reclaimer is required")
	}
	s := &Supervisor{
		reclaimer: opts.Reclaimer,
		bus:       opts.Bus,
		policy:    opts.Policy.withDefaults(),
		env:       opts.Env,
		history:   opts.History,
		log:       opts.Logger,
		host:      opts.Host,
		state:     StateIdle,
		cmds:      make(chan command),
		exits:     make(chan *process.Handle),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.bus == nil {
		s.bus = event.NewBus()
	}
	if s.env == nil {
		s.env = env.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.host == "" {
		s.host = "localhost"
	}
	s.log = s.log.With("component", "supervisor", "port", s.reclaimer.Port())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	metrics.SetCurrentState(string(StateIdle), true)
	go s.run()
	return s, nil
}

// Bus returns the event bus the supervisor publishes to.
func (s *Supervisor) Bus() *event.Bus { return s.bus }

// Port returns the managed port.
func (s *Supervisor) Port() int { return s.reclaimer.Port() }

// Start stops whatever holds the slot, reclaims the port and launches app.
// It returns once the readiness watch resolved.
func (s *Supervisor) Start(ctx context.Context, app App) error {
	if err := app.Validate(); err != nil {
		return err
	}
	return s.submit(ctx, command{action: actionStart, app: app.clone()})
}

// Stop interrupts the running app and frees the port. A Stop with nothing
// running succeeds without touching state.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.submit(ctx, command{action: actionStop})
}

// ConfirmForceKill kills the slot's process group and every port holder.
// It is valid in any state.
func (s *Supervisor) ConfirmForceKill(ctx context.Context) error {
	return s.submit(ctx, command{action: actionConfirm})
}

// Deny drops a pending confirmation.
func (s *Supervisor) Deny(ctx context.Context) error {
	return s.submit(ctx, command{action: actionDeny})
}

// KillPort frees the port without touching the slot bookkeeping. Without
// force a holder that ignores SIGTERM leads to a port_in_use confirmation.
func (s *Supervisor) KillPort(ctx context.Context, force bool) error {
	return s.submit(ctx, command{action: actionKillPort, force: force})
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:         s.state,
		PendingAction: s.confirm,
		LastError:     s.lastErr,
	}
	if s.slot != nil {
		st.Running = true
		st.AppID = s.slot.app.ID
		st.PID = s.slot.handle.PID()
		st.StartedAt = s.slot.handle.StartedAt()
	}
	return st
}

// Close stops the loop, interrupting and if needed killing the running app.
// When ctx expires first any in-flight operation is aborted.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.quit) })
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		<-s.done
	}
	s.pending.Wait()
	return s.closeErr
}

func (s *Supervisor) submit(ctx context.Context, c command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cancel()
	for {
		select {
		case <-s.quit:
			s.closeErr = s.shutdown()
			return
		case <-s.ctx.Done():
			s.closeErr = s.shutdown()
			return
		case h := <-s.exits:
			s.handleExit(h)
		case c := <-s.cmds:
			select {
			case <-s.quit:
				c.reply <- ErrClosed
				continue
			default:
			}
			if err := c.ctx.Err(); err != nil {
				c.reply <- err
				continue
			}
			s.collectExited()
			c.reply <- s.dispatch(c)
		}
	}
}

func (s *Supervisor) dispatch(c command) error {
	switch c.action {
	case actionStart:
		return s.handleStart(c.app)
	case actionStop:
		return s.handleStop()
	case actionConfirm:
		return s.handleForceKill()
	case actionDeny:
		s.handleDeny()
		return nil
	case actionKillPort:
		return s.handleKillPort(c.force)
	default:
		return fmt.Errorf("supervisor: unknown action %d", c.action)
	}
}

func (s *Supervisor) handleStart(app App) error {
	s.clearConfirmation()
	if sl := s.current(); sl != nil {
		s.setState(StateStopping)
		s.bus.System(fmt.Sprintf("Stopping %s...", sl.app.ID))
		if !s.stopSlot(s.ctx, sl) {
			return s.requestConfirmation(ReasonProcessRunning,
				fmt.Sprintf("%s (pid %d) did not exit. Force kill it?", sl.app.ID, sl.handle.PID()),
				ErrProcessUnresponsive)
		}
		s.releaseSlot(sl, history.EventStop)
	}

	s.setState(StateStarting)
	if err := s.reclaimPort(); err != nil {
		s.failStart(app, "port", err)
		return err
	}
	if err := sleep(s.ctx, s.policy.SettleDelay); err != nil {
		s.failStart(app, "cancelled", err)
		return err
	}

	s.bus.System(fmt.Sprintf("Starting %s...", app.ID))
	if app.WorkDir != "" {
		s.bus.Info("> cd " + app.WorkDir)
	}
	s.bus.Info("> " + app.Command)

	spec := process.Spec{Name: app.ID, Command: app.Command, WorkDir: app.WorkDir, Log: app.Log}
	h, err := process.Launch(spec, s.env.Merge(app.Env))
	if err != nil {
		s.bus.Error("Process error: " + err.Error())
		s.failStart(app, "launch", err)
		s.recordHistory(history.EventStartFail, app, nil, err.Error())
		return err
	}
	s.log.Info("launched", "app", app.ID, "pid", h.PID())

	sl := &slot{app: app, handle: h, pumpDone: make(chan struct{})}
	src := newWatchSource(h)
	s.mu.Lock()
	s.slot = sl
	s.mu.Unlock()
	go s.pump(sl, src)
	go s.observe(sl)
	s.recordHistory(history.EventStart, app, h, "")

	out := <-s.watchReady(src, app)
	src.resolved()

	switch {
	case out.Ready:
		s.setState(StateRunning)
		s.bus.System(fmt.Sprintf("Server ready at http://%s:%d", s.host, s.reclaimer.Port()))
		metrics.IncStart(app.ID)
		metrics.ObserveReady(app.ID, out.Elapsed.Seconds(), out.Fallback)
		s.log.Info("ready", "app", app.ID, "pid", h.PID(), "fallback", out.Fallback, "elapsed", out.Elapsed)
		s.recordHistory(history.EventReady, app, h, readyDetail(out.Marker, out.Probe, out.Fallback))
		return nil
	case out.TimedOut:
		// slot is still ours: the exit notice is ignored once we clear it
		waitPump(sl)
		s.mu.Lock()
		if s.slot == sl {
			s.slot = nil
		}
		s.mu.Unlock()
		s.bus.Error(exitMessage(h))
		err := fmt.Errorf("%w: %s: %w", ErrUnexpectedExit, app.ID, out.Err)
		s.failStart(app, "exited", err)
		s.recordHistory(history.EventStartFail, app, h, h.ExitDescription())
		return err
	default:
		// loop cancelled mid-start; shutdown reaps the slot
		err := fmt.Errorf("%w: %s: %w", ErrNotReady, app.ID, out.Err)
		s.failStart(app, "cancelled", err)
		return err
	}
}

func (s *Supervisor) handleStop() error {
	sl := s.current()
	if sl == nil {
		s.mu.RLock()
		pending := s.confirm
		s.mu.RUnlock()
		if pending != "" {
			// nothing to stop; the pending question no longer applies
			s.clearConfirmation()
			s.restoreState()
			s.bus.System("Confirmation cancelled, nothing is running.")
		}
		return nil
	}
	s.clearConfirmation()
	s.setState(StateStopping)
	s.bus.System("Stopping current process...")
	if !s.stopSlot(s.ctx, sl) {
		return s.requestConfirmation(ReasonProcessRunning,
			fmt.Sprintf("%s (pid %d) did not exit. Force kill it?", sl.app.ID, sl.handle.PID()),
			ErrProcessUnresponsive)
	}
	s.releaseSlot(sl, history.EventStop)
	if err := s.reclaimPort(); err != nil {
		if _, ok := NeedsConfirmation(err); !ok {
			s.fail(err)
		}
		return err
	}
	s.setState(StateIdle)
	s.bus.System(fmt.Sprintf("Application stopped. Port %d is free.", s.reclaimer.Port()))
	return nil
}

func (s *Supervisor) handleForceKill() error {
	s.clearConfirmation()
	if sl := s.current(); sl != nil {
		s.setState(StateStopping)
		s.mu.Lock()
		sl.stopping = true
		s.mu.Unlock()
		s.bus.System(fmt.Sprintf("Force killing %s (pid %d)...", sl.app.ID, sl.handle.PID()))
		if err := sl.handle.Signal(process.Kill); err != nil {
			s.log.Warn("kill failed", "app", sl.app.ID, "pid", sl.handle.PID(), "error", err)
		}
		if !s.waitExit(s.ctx, sl.handle) {
			s.log.Warn("process still alive after kill", "app", sl.app.ID, "pid", sl.handle.PID())
		}
		metrics.IncForceKill("process")
		s.releaseSlot(sl, history.EventForceKill)
	}
	if err := s.forceFreePort(); err != nil {
		s.fail(err)
		return err
	}
	s.setState(StateIdle)
	s.bus.System(fmt.Sprintf("Application stopped. Port %d is free.", s.reclaimer.Port()))
	return nil
}

func (s *Supervisor) handleDeny() {
	s.mu.RLock()
	pending := s.confirm
	running := s.slot != nil
	s.mu.RUnlock()
	if pending == "" {
		return
	}
	s.clearConfirmation()
	if running {
		s.setState(StateRunning)
	} else {
		s.setState(StateIdle)
	}
	s.bus.System("Force kill cancelled.")
}

func (s *Supervisor) handleKillPort(force bool) error {
	if force {
		s.clearConfirmation()
		if err := s.forceFreePort(); err != nil {
			if s.current() == nil {
				s.fail(err)
			} else {
				s.restoreState()
			}
			return err
		}
		s.restoreState()
		s.bus.System(fmt.Sprintf("Port %d is free.", s.reclaimer.Port()))
		return nil
	}
	if err := s.reclaimPort(); err != nil {
		return err
	}
	s.restoreState()
	s.bus.System(fmt.Sprintf("Port %d is free.", s.reclaimer.Port()))
	return nil
}

// reclaimPort asks every holder to exit and polls until the port is free.
// A port that stays bound raises a port_in_use confirmation.
func (s *Supervisor) reclaimPort() error {
	p := s.reclaimer.Port()
	bound, err := s.reclaimer.IsPortBound(s.ctx)
	if err != nil {
		s.bus.Error(fmt.Sprintf("Could not inspect port %d: %v", p, err))
		return fmt.Errorf("inspect port %d: %w", p, err)
	}
	if !bound {
		return nil
	}
	s.bus.System(fmt.Sprintf("Port %d is in use, asking the holder to exit...", p))
	if err := s.reclaimer.RequestGraceful(s.ctx); err != nil {
		s.log.Warn("graceful port request", "error", err)
	}
	free, err := s.reclaimer.WaitUntilFree(s.ctx, s.policy.PortPollAttempts, s.policy.PollInterval)
	if err != nil && s.ctx.Err() != nil {
		return err
	}
	if free {
		return nil
	}
	return s.requestConfirmation(ReasonPortInUse,
		fmt.Sprintf("Port %d is still in use. Force kill the process holding it?", p),
		ErrPortBusy)
}

func (s *Supervisor) forceFreePort() error {
	p := s.reclaimer.Port()
	bound, _ := s.reclaimer.IsPortBound(s.ctx)
	if err := s.reclaimer.ForceFree(s.ctx); err != nil {
		s.bus.Error(fmt.Sprintf("Failed to free port %d: %v", p, err))
		return fmt.Errorf("free port %d: %w", p, err)
	}
	if bound {
		metrics.IncForceKill("port")
		s.recordHistory(history.EventPortForced, App{ID: fmt.Sprintf("port:%d", p)}, nil, "")
	}
	free, err := s.reclaimer.WaitUntilFree(s.ctx, s.policy.PortPollAttempts, s.policy.PollInterval)
	if free {
		return nil
	}
	s.log.Warn("port still bound after force kill", "error", err)
	s.bus.Error(fmt.Sprintf("Port %d is still in use after force kill.", p))
	if err != nil {
		return fmt.Errorf("%w: port %d: %w", ErrPortBusy, p, err)
	}
	return fmt.Errorf("%w: port %d still bound after force kill", ErrPortBusy, p)
}

// stopSlot interrupts the slot's process group and polls for its exit.
func (s *Supervisor) stopSlot(ctx context.Context, sl *slot) bool {
	s.mu.Lock()
	sl.stopping = true
	s.mu.Unlock()
	if err := sl.handle.Signal(process.Interrupt); err != nil {
		s.log.Warn("interrupt failed", "app", sl.app.ID, "pid", sl.handle.PID(), "error", err)
	}
	if s.waitExit(ctx, sl.handle) {
		return true
	}
	// a later exit is unexpected again
	s.mu.Lock()
	sl.stopping = false
	s.mu.Unlock()
	return false
}

func (s *Supervisor) waitExit(ctx context.Context, h *process.Handle) bool {
	t := time.NewTicker(s.policy.PollInterval)
	defer t.Stop()
	for i := 0; i < s.policy.ExitPollAttempts; i++ {
		select {
		case <-h.Done():
			return true
		case <-ctx.Done():
			return !h.IsAlive()
		case <-t.C:
			if !h.IsAlive() {
				return true
			}
		}
	}
	return !h.IsAlive()
}

// releaseSlot empties the slot after a requested stop.
func (s *Supervisor) releaseSlot(sl *slot, typ history.EventType) {
	waitPump(sl)
	s.mu.Lock()
	if s.slot == sl {
		s.slot = nil
	}
	s.mu.Unlock()
	if typ == history.EventStop {
		metrics.IncStop(sl.app.ID)
	}
	s.log.Info("stopped", "app", sl.app.ID, "pid", sl.handle.PID(), "exit", sl.handle.ExitDescription())
	s.recordHistory(typ, sl.app, sl.handle, sl.handle.ExitDescription())
}

// collectExited reports a slot process that died before the loop saw its
// exit notice, so the next operation starts from an accurate slot.
func (s *Supervisor) collectExited() {
	sl := s.current()
	if sl == nil {
		return
	}
	select {
	case <-sl.handle.Done():
		s.handleExit(sl.handle)
	default:
	}
}

func (s *Supervisor) handleExit(h *process.Handle) {
	s.mu.Lock()
	sl := s.slot
	if sl == nil || sl.handle != h || sl.stopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	waitPump(sl)
	s.mu.Lock()
	s.slot = nil
	if s.confirm == ReasonProcessRunning {
		s.confirm = ""
	}
	awaiting := s.confirm != ""
	s.lastErr = exitMessage(h)
	s.mu.Unlock()

	if h.ExitCode() == 0 {
		s.bus.System(exitMessage(h))
	} else {
		s.bus.Error(exitMessage(h))
	}
	metrics.IncUnexpectedExit(sl.app.ID)
	s.log.Warn("exited unexpectedly", "app", sl.app.ID, "pid", h.PID(), "exit", h.ExitDescription())
	s.recordHistory(history.EventExit, sl.app, h, h.ExitDescription())
	if !awaiting {
		s.setState(StateError)
	}
}

// shutdown runs on the loop goroutine as it exits.
func (s *Supervisor) shutdown() error {
	sl := s.current()
	if sl == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.policy.ExitPollAttempts)*s.policy.PollInterval*2)
	defer cancel()
	s.setState(StateStopping)
	var err error
	if !s.stopSlot(ctx, sl) {
		_ = sl.handle.Signal(process.Kill)
		if !s.waitExit(ctx, sl.handle) {
			err = fmt.Errorf("%w: %s (pid %d)", ErrProcessUnresponsive, sl.app.ID, sl.handle.PID())
		}
	}
	s.releaseSlot(sl, history.EventStop)
	s.setState(StateIdle)
	return err
}

func (s *Supervisor) current() *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot
}

func (s *Supervisor) requestConfirmation(reason, msg string, cause error) error {
	s.mu.Lock()
	s.confirm = reason
	s.mu.Unlock()
	s.setState(StateAwaitingConfirmation)
	s.bus.Confirm(reason, msg)
	return &ConfirmationError{Reason: reason, Err: cause}
}

func (s *Supervisor) clearConfirmation() {
	s.mu.Lock()
	s.confirm = ""
	s.mu.Unlock()
}

// restoreState leaves a confirmation-free resting state matching the slot.
func (s *Supervisor) restoreState() {
	s.mu.RLock()
	st, running := s.state, s.slot != nil
	s.mu.RUnlock()
	switch {
	case running:
		s.setState(StateRunning)
	case st == StateAwaitingConfirmation:
		s.setState(StateIdle)
	}
}

// fail records err and parks the supervisor in the error state.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.setState(StateError)
}

func (s *Supervisor) failStart(app App, reason string, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	awaiting := s.confirm != ""
	s.mu.Unlock()
	metrics.IncStartFailure(app.ID, reason)
	s.log.Warn("start failed", "app", app.ID, "reason", reason, "error", err)
	if !awaiting {
		s.setState(StateError)
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if next == StateRunning || next == StateIdle {
		s.lastErr = ""
	}
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(string(prev), string(next))
	metrics.SetCurrentState(string(prev), false)
	metrics.SetCurrentState(string(next), true)
	s.log.Debug("state", "from", prev, "to", next)
}

func (s *Supervisor) recordHistory(typ history.EventType, app App, h *process.Handle, detail string) {
	if s.history == nil {
		return
	}
	now := time.Now().UTC()
	rec := history.Record{AppID: app.ID, Command: app.Command, WorkDir: app.WorkDir, Detail: detail, ExitCode: -1}
	if h != nil {
		rec.PID = h.PID()
		rec.StartedAt = h.StartedAt().UTC()
		if h.Exited() {
			rec.StoppedAt = now
			rec.ExitCode = h.ExitCode()
		}
	}
	evt := history.Event{Type: typ, OccurredAt: now, Record: rec}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.Send(ctx, evt); err != nil {
			s.log.Warn("history send failed", "type", typ, "app", app.ID, "error", err)
		}
	}()
}

func exitMessage(h *process.Handle) string {
	if code := h.ExitCode(); code >= 0 {
		return fmt.Sprintf("Process exited with code %d", code)
	}
	return "Process exited with " + h.ExitDescription()
}

func readyDetail(marker, probe string, fallback bool) string {
	switch {
	case marker != "":
		return "marker: " + marker
	case probe != "":
		return "probe: " + probe
	case fallback:
		return "timeout fallback"
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
