package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/loykin/portswitch/internal/detector"
	"github.com/loykin/portswitch/internal/process"
)

// drainTimeout bounds how long a stop waits for the last output lines of a
// process whose pipes outlived it.
const drainTimeout = 3 * time.Second

// watchSource adapts a Handle to detector.Source. The pump feeds stdout
// until the watch resolves; after that lines only go to the bus.
type watchSource struct {
	h       *process.Handle
	stdout  chan string
	done    chan struct{}
	resolve sync.Once
}

func newWatchSource(h *process.Handle) *watchSource {
	return &watchSource{h: h, stdout: make(chan string, 16), done: make(chan struct{})}
}

func (w *watchSource) Stdout() <-chan string { return w.stdout }
func (w *watchSource) Done() <-chan struct{} { return w.h.Done() }
func (w *watchSource) IsAlive() bool         { return w.h.IsAlive() }
func (w *watchSource) ExitErr() error        { return w.h.ExitErr() }
func (w *watchSource) resolved()             { w.resolve.Do(func() { close(w.done) }) }

func (w *watchSource) offer(line string) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.stdout <- line:
	case <-w.done:
	}
}

// pump forwards every output line to the bus. It never waits on the loop.
func (s *Supervisor) pump(sl *slot, src *watchSource) {
	defer close(sl.pumpDone)
	defer close(src.stdout)
	for l := range sl.handle.Lines() {
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		if l.Stream == process.Stderr {
			s.bus.Error(l.Text)
			continue
		}
		s.bus.Info(l.Text)
		src.offer(l.Text)
	}
}

// observe posts the handle to the loop once it exited and its output drained.
func (s *Supervisor) observe(sl *slot) {
	<-sl.handle.Done()
	<-sl.pumpDone
	select {
	case s.exits <- sl.handle:
	case <-s.done:
	}
}

func (s *Supervisor) watchReady(src *watchSource, app App) <-chan detector.Outcome {
	timeout := app.ReadyTimeout
	if timeout <= 0 {
		timeout = s.policy.ReadyTimeout
	}
	return detector.Watch(s.ctx, src, detector.WatchOptions{
		Markers:       app.ReadyMarkers,
		Timeout:       timeout,
		Probes:        app.ReadyProbes,
		ProbeInterval: s.policy.ProbeInterval,
	})
}

func waitPump(sl *slot) {
	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-sl.pumpDone:
	case <-t.C:
	}
}
