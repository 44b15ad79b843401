package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/servermgr/internal/errdefs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servermgr.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen = "127.0.0.1:9631"

[server]
name = "pg-main"
host = "127.0.0.1"
port = 15433
data_dir = "/var/tmp/pg_data"
bin_dir = "/usr/lib/postgresql/16/bin"
start_timeout = "30s"
poll_interval = "250ms"
env = ["TZ=UTC"]

[server.log]
dir = "/var/tmp/pg_logs"

[history]
type = "sqlite"
sqlite_path = "/var/tmp/pg_events.db"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := f.Server
	if s.Name != "pg-main" || s.Port != 15433 || s.Host != "127.0.0.1" {
		t.Fatalf("server section wrong: %+v", s)
	}
	if s.StartTimeout != 30*time.Second {
		t.Fatalf("start_timeout %v", s.StartTimeout)
	}
	if s.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll_interval %v", s.PollInterval)
	}
	if s.StopTimeout != DefaultStopTimeout {
		t.Fatalf("stop_timeout default not applied: %v", s.StopTimeout)
	}
	if s.LockDir != "/var/tmp/pg_data.lock" {
		t.Fatalf("lock_dir default not derived: %q", s.LockDir)
	}
	if s.Log.Dir != "/var/tmp/pg_logs" {
		t.Fatalf("log dir: %q", s.Log.Dir)
	}
	if f.History.Type != "sqlite" || f.History.SQLitePath == "" {
		t.Fatalf("history section wrong: %+v", f.History)
	}
	if f.Listen != "127.0.0.1:9631" {
		t.Fatalf("listen: %q", f.Listen)
	}
}

func TestLoadMissingDataDir(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 15432
bin_dir = "/usr/lib/postgresql/16/bin"
`)
	_, err := Load(path)
	if !errdefs.IsKind(err, errdefs.KindConfig) {
		t.Fatalf("expected config kind, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Server)
		ok   bool
	}{
		{"valid", func(*Server) {}, true},
		{"no datadir", func(s *Server) { s.DataDir = "" }, false},
		{"bad port", func(s *Server) { s.Port = 70000 }, false},
		{"zero port", func(s *Server) { s.Port = 0 }, false},
		{"no binary source", func(s *Server) { s.BinDir = ""; s.InstallRoot = "" }, false},
		{"malformed env", func(s *Server) { s.Env = []string{"NOEQUALS"} }, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := Server{
				Host:    "localhost",
				Port:    15432,
				DataDir: "/var/tmp/pg",
				BinDir:  "/usr/lib/postgresql/16/bin",
			}
			c.mut(&s)
			err := s.Validate()
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errdefs.IsKind(err, errdefs.KindConfig) {
				t.Fatalf("expected config kind, got %v", err)
			}
		})
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	s := Server{DataDir: "/d", LockDir: "/locks", Port: 6000}
	s.ApplyDefaults()
	if s.LockDir != "/locks" || s.Port != 6000 {
		t.Fatalf("defaults overwrote explicit values: %+v", s)
	}
	if s.Host != DefaultHost {
		t.Fatalf("host default missing")
	}
}
