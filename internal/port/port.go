package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Holder is a process observed listening on the watched port.
// PID is 0 when the owner could not be resolved (e.g. another user's process).
type Holder struct {
	PID  int
	Name string
}

// Finder lists the processes listening on a TCP port.
type Finder interface {
	Holders(ctx context.Context, port int) ([]Holder, error)
}

// Signaler delivers termination requests to arbitrary PIDs.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

var ErrInvalidPort = errors.New("port: invalid port")

// Reclaimer frees one fixed TCP port from whatever holds it.
// It never signals the calling process itself.
type Reclaimer struct {
	port     int
	finder   Finder
	signaler Signaler
	self     int
	logger   *slog.Logger
}

// Option customises a Reclaimer.
type Option func(*Reclaimer)

func WithFinder(f Finder) Option     { return func(r *Reclaimer) { r.finder = f } }
func WithSignaler(s Signaler) Option { return func(r *Reclaimer) { r.signaler = s } }
func WithLogger(l *slog.Logger) Option {
	return func(r *Reclaimer) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(port int, opts ...Option) (*Reclaimer, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	r := &Reclaimer{
		port:     port,
		finder:   NetFinder{},
		signaler: OSSignaler{},
		self:     os.Getpid(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Port returns the watched port number.
func (r *Reclaimer) Port() int { return r.port }

// Holders lists the current listeners on the port.
func (r *Reclaimer) Holders(ctx context.Context) ([]Holder, error) {
	return r.finder.Holders(ctx, r.port)
}

// IsPortBound reports whether anything is listening on the port.
func (r *Reclaimer) IsPortBound(ctx context.Context) (bool, error) {
	hs, err := r.finder.Holders(ctx, r.port)
	if err != nil {
		return false, err
	}
	return len(hs) > 0, nil
}

// RequestGraceful asks every holder to terminate and returns without waiting.
func (r *Reclaimer) RequestGraceful(ctx context.Context) error {
	return r.signalAll(ctx, "terminate", r.signaler.Terminate)
}

// ForceFree kills every holder. Nothing bound is a success.
func (r *Reclaimer) ForceFree(ctx context.Context) error {
	return r.signalAll(ctx, "kill", r.signaler.Kill)
}

// WaitUntilFree polls up to maxAttempts times, sleeping interval between
// checks, and reports whether the port became free. A cancelled ctx ends the
// wait early with ctx.Err().
func (r *Reclaimer) WaitUntilFree(ctx context.Context, maxAttempts int, interval time.Duration) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for i := 0; i < maxAttempts; i++ {
		bound, err := r.IsPortBound(ctx)
		if err != nil {
			return false, err
		}
		if !bound {
			return true, nil
		}
		if i == maxAttempts-1 {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
	return false, nil
}

func (r *Reclaimer) signalAll(ctx context.Context, verb string, send func(int) error) error {
	hs, err := r.finder.Holders(ctx, r.port)
	if err != nil {
		return err
	}
	var errs []error
	seen := make(map[int]struct{}, len(hs))
	for _, h := range hs {
		if h.PID <= 0 || h.PID == r.self {
			continue
		}
		if _, dup := seen[h.PID]; dup {
			continue
		}
		seen[h.PID] = struct{}{}
		r.logger.Debug("port holder signal", "port", r.port, "pid", h.PID, "name", h.Name, "signal", verb)
		if err := send(h.PID); err != nil {
			errs = append(errs, fmt.Errorf("%s pid %d: %w", verb, h.PID, err))
		}
	}
	return errors.Join(errs...)
}
