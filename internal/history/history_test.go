package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	got    []Event
	err    error
	closed bool
}

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.got = append(s.got, e)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{}
	b := &recordingSink{err: boom}
	m := Multi{a, nil, b}

	e := Event{Type: EventReady, OccurredAt: time.Now(), Record: Record{AppID: "app-admin-panel", PID: 10}}
	err := m.Send(context.Background(), e)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("every sink should receive the event: %d %d", len(a.got), len(b.got))
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
}

func TestNullTime(t *testing.T) {
	if NullTime(time.Time{}) != nil {
		t.Fatalf("zero time should be NULL")
	}
	now := time.Now()
	if got, ok := NullTime(now).(time.Time); !ok || !got.Equal(now) {
		t.Fatalf("unexpected %v", got)
	}
}
