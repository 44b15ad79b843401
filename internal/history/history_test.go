package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSink struct {
	events []Event
	err    error
	closed bool
}

func (f *fakeSink) Send(_ context.Context, e Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestMultiFansOut(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	m := Multi{a, b}
	e := Event{Type: EventStart, OccurredAt: time.Now(), Server: "pg"}
	if err := m.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out incomplete: %d %d", len(a.events), len(b.events))
	}
}

func TestMultiReturnsFirstErrorButContinues(t *testing.T) {
	boom := errors.New("boom")
	a, b := &fakeSink{err: boom}, &fakeSink{}
	err := Multi{a, b}.Send(context.Background(), Event{Type: EventStop})
	if !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	if len(b.events) != 1 {
		t.Fatalf("second sink skipped after error")
	}
}

func TestMultiClose(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	if err := (Multi{a, b}).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("not all sinks closed")
	}
}
