package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/portswitch/internal/metrics"
)

const (
	// DefaultCapacity is the number of events kept for replay.
	DefaultCapacity = 200
	// DefaultQueueSize bounds each subscriber's pending queue.
	DefaultQueueSize = 256
)

// Bus is a ring-buffered, multi-subscriber broadcast of Events.
//
// Publish, Subscribe and Unsubscribe share one mutex: the ring append and the
// fan-out happen under the same critical section as the replay snapshot, so a
// subscriber's replay followed by its live stream never skips or repeats an
// event. Fan-out never blocks; a full subscriber queue drops its oldest entry.
type Bus struct {
	mu        sync.Mutex
	ring      []Event
	head      int // index of the oldest event
	size      int
	seq       uint64
	queueSize int
	subs      map[*Subscription]struct{}
	closed    bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the replay ring capacity (default 200).
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithQueueSize sets the per-subscriber queue bound (default 256).
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		ring:      make([]Event, DefaultCapacity),
		queueSize: DefaultQueueSize,
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps e with a sequence number (and a timestamp when unset),
// stores it in the ring and hands it to every live subscriber.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}
	b.seq++
	e.Seq = b.seq
	b.appendLocked(e)
	for s := range b.subs {
		if s.offer(e) {
			metrics.IncEventsDropped()
		}
	}
	metrics.IncEventsPublished(string(e.Kind))
	return e
}

func (b *Bus) appendLocked(e Event) {
	c := len(b.ring)
	if b.size < c {
		b.ring[(b.head+b.size)%c] = e
		b.size++
		return
	}
	// full: overwrite oldest
	b.ring[b.head] = e
	b.head = (b.head + 1) % c
}

func (b *Bus) snapshotLocked() []Event {
	out := make([]Event, b.size)
	c := len(b.ring)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%c]
	}
	return out
}

// Subscribe registers a new subscriber and returns it together with a copy of
// the buffered history. Events in the replay are never delivered again on the
// subscription channel.
func (b *Bus) Subscribe() (*Subscription, []Event) {
	s := &Subscription{ch: make(chan Event, b.queueSize)}
	b.mu.Lock()
	replay := b.snapshotLocked()
	if b.closed {
		close(s.ch)
		s.closed = true
	} else {
		b.subs[s] = struct{}{}
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
	return s, replay
}

// Unsubscribe removes s and closes its channel. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)
}

// Snapshot returns a copy of the buffered history, oldest first.
func (b *Bus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Len reports how many events are buffered.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Subscribers reports the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		close(s.ch)
		delete(b.subs, s)
	}
	b.mu.Unlock()
	metrics.SetSubscribers(0)
}

func (b *Bus) System(msg string) Event { return b.Publish(System(msg)) }
func (b *Bus) Info(msg string) Event   { return b.Publish(Info(msg)) }
func (b *Bus) Error(msg string) Event  { return b.Publish(Error(msg)) }
func (b *Bus) Confirm(action, msg string) Event {
	return b.Publish(Confirm(action, msg))
}

// Subscription is one observer's live feed. Its channel is closed on
// Unsubscribe or when the bus closes.
type Subscription struct {
	ch      chan Event
	closed  bool // guarded by Bus.mu
	dropped atomic.Uint64
}

// C returns the receive side of the subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// offer enqueues e, discarding the oldest queued events to make room.
// Called with Bus.mu held, so there is a single sender per subscription.
func (s *Subscription) offer(e Event) (dropped bool) {
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}
