package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMarkers are the banners common dev servers print once they listen.
var DefaultMarkers = []string{"running at", "ready", "Listening on", "listening on", "Local:"}

const (
	DefaultTimeout       = 2 * time.Second
	DefaultProbeInterval = 250 * time.Millisecond
)

// ErrExited reports a process that ended before it became ready.
var ErrExited = errors.New("detector: process exited before ready")

// Source is what a watch observes. Stdout must be closed once the process
// output is exhausted.
type Source interface {
	Stdout() <-chan string
	Done() <-chan struct{}
	IsAlive() bool
	ExitErr() error
}

type WatchOptions struct {
	Markers       []string // case-sensitive substrings; empty means DefaultMarkers
	Timeout       time.Duration
	Probes        []Detector
	ProbeInterval time.Duration
}

func (o WatchOptions) withDefaults() WatchOptions {
	if len(o.Markers) == 0 {
		o.Markers = DefaultMarkers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	return o
}

// Outcome is the single resolution of a watch.
//
// Ready is set on a marker line, a positive probe, or (with Fallback) when
// the timeout elapsed while the process was still alive. TimedOut is set
// when the process exited first; Err then wraps ErrExited. A cancelled
// context yields neither flag and Err = ctx.Err().
type Outcome struct {
	Ready    bool
	TimedOut bool
	Fallback bool
	Marker   string
	Line     string
	Probe    string
	Err      error
	Elapsed  time.Duration
}

// Watch resolves exactly once on the returned channel.
func Watch(ctx context.Context, src Source, opts WatchOptions) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		out <- watch(ctx, src, opts.withDefaults())
		close(out)
	}()
	return out
}

// MatchMarker returns the first marker contained in line.
func MatchMarker(line string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return m, true
		}
	}
	return "", false
}

func watch(ctx context.Context, src Source, o WatchOptions) Outcome {
	start := time.Now()
	resolve := func(oc Outcome) Outcome {
		oc.Elapsed = time.Since(start)
		return oc
	}
	exited := func() Outcome {
		err := ErrExited
		if xe := src.ExitErr(); xe != nil {
			err = fmt.Errorf("%w: %w", ErrExited, xe)
		}
		return resolve(Outcome{TimedOut: true, Err: err})
	}

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	var probeC <-chan time.Time
	if len(o.Probes) > 0 {
		t := time.NewTicker(o.ProbeInterval)
		defer t.Stop()
		probeC = t.C
	}

	stdout := src.Stdout()
	done := src.Done()
	var gone bool
	for {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				if gone {
					return exited()
				}
				continue
			}
			if m, hit := MatchMarker(line, o.Markers); hit {
				return resolve(Outcome{Ready: true, Marker: m, Line: line})
			}
		case <-done:
			// keep reading until the output is drained; a marker may still be in flight
			done = nil
			gone = true
			if stdout == nil {
				return exited()
			}
		case <-timer.C:
			if gone || !src.IsAlive() {
				return exited()
			}
			return resolve(Outcome{Ready: true, Fallback: true})
		case <-probeC:
			for _, p := range o.Probes {
				if ok, _ := p.Check(ctx); ok {
					return resolve(Outcome{Ready: true, Probe: p.Describe()})
				}
			}
		case <-ctx.Done():
			return resolve(Outcome{Err: ctx.Err()})
		}
	}
}
