package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/servermgr/internal/history"
)

func TestSinkRoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Server: "pg", PID: 100, Addr: "127.0.0.1:15432"},
		{Type: history.EventStop, OccurredAt: time.Now().UTC(), Server: "pg", PID: 100, Addr: "127.0.0.1:15432"},
		{Type: history.EventFail, OccurredAt: time.Now().UTC(), Server: "other", PID: 101, Addr: "127.0.0.1:15433", Detail: "timeout"},
	}
	for _, e := range events {
		if err := s.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	got, err := s.Recent(ctx, "pg", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for pg, got %d", len(got))
	}
	// newest first
	if got[0].Type != history.EventStop || got[1].Type != history.EventStart {
		t.Fatalf("unexpected order: %v %v", got[0].Type, got[1].Type)
	}

	other, err := s.Recent(ctx, "other", 10)
	if err != nil {
		t.Fatalf("recent other: %v", err)
	}
	if len(other) != 1 || other[0].Detail != "timeout" {
		t.Fatalf("detail lost: %+v", other)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
