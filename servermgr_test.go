//go:build !windows

package servermgr

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func fakeBins(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	initdb := "#!/bin/sh\ndatadir=\"$2\"\necho 16 > \"$datadir/PG_VERSION\"\n"
	postgres := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"postgres (PostgreSQL) 16.4\"; exit 0; fi\nwhile true; do sleep 0.1; done\n"
	if err := os.WriteFile(filepath.Join(dir, "initdb"), []byte(initdb), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "postgres"), []byte(postgres), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestNewPostgresValidates(t *testing.T) {
	_, err := NewPostgres(ServerConfig{})
	if !IsKind(err, KindConfig) {
		t.Fatalf("expected config kind, got %v", err)
	}
	var we *WorkerError
	if !errors.As(err, &we) {
		t.Fatalf("expected WorkerError, got %T", err)
	}
}

func TestManagerInitializeAndState(t *testing.T) {
	base := t.TempDir()
	cfg := ServerConfig{
		Name:    "facade-test",
		Host:    "127.0.0.1",
		Port:    25632,
		DataDir: filepath.Join(base, "data"),
		BinDir:  fakeBins(t),
	}
	m, err := NewPostgres(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.State() != StateStopped || m.IsRunning() {
		t.Fatalf("fresh manager not stopped: %s", m.State())
	}
	if DataDirInitialized(cfg.DataDir) {
		t.Fatalf("data dir reported initialized before init")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !DataDirInitialized(cfg.DataDir) {
		t.Fatalf("data dir not initialized")
	}
	if got := m.Config().Name; got != "facade-test" {
		t.Fatalf("config name %q", got)
	}
}

func TestAddressProbes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	inUse, err := AddressInUse("127.0.0.1", port)
	if err != nil || !inUse {
		t.Fatalf("expected in use, got %v %v", inUse, err)
	}
	_ = ln.Close()

	free, err := WaitAddressFree(context.Background(), "127.0.0.1", port, time.Second, 10*time.Millisecond)
	if err != nil || !free {
		t.Fatalf("expected free, got %v %v", free, err)
	}
}

func TestBuildEnvPrependsPath(t *testing.T) {
	got := BuildEnv([]string{"PATH=/usr/bin", "HOME=/home/u"}, "/opt/pg/bin", map[string]string{"PGDATA": "/d"})
	var path, pgdata string
	for _, kv := range got {
		if strings.HasPrefix(kv, "PATH=") {
			path = kv
		}
		if strings.HasPrefix(kv, "PGDATA=") {
			pgdata = kv
		}
	}
	if !strings.HasPrefix(path, "PATH=/opt/pg/bin") {
		t.Fatalf("PATH not prepended: %q", path)
	}
	if pgdata != "PGDATA=/d" {
		t.Fatalf("PGDATA = %q", pgdata)
	}
}

func TestMultiHistoryFansOut(t *testing.T) {
	var a, b recordingSink
	sink := MultiHistory(&a, &b)
	e := HistoryEvent{Type: EventStart, Server: "pg"}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out missed a sink: %d %d", len(a.events), len(b.events))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type recordingSink struct {
	events []HistoryEvent
}

func (r *recordingSink) Send(_ context.Context, e HistoryEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Close() error { return nil }
