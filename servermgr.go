// Package servermgr manages the lifecycle of external server processes.
// A Manager owns one server subprocess end to end: it prepares the
// data directory, launches the server, confirms readiness, and shuts it down
// gracefully. The package ships PostgreSQL and nginx implementations; other
// servers plug in through the same lifecycle contract.
package servermgr

import (
	"context"
	"net/http"
	"time"

	"github.com/loykin/servermgr/internal/config"
	"github.com/loykin/servermgr/internal/env"
	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/history"
	chsink "github.com/loykin/servermgr/internal/history/clickhouse"
	sqsink "github.com/loykin/servermgr/internal/history/sqlite"
	"github.com/loykin/servermgr/internal/lifecycle"
	"github.com/loykin/servermgr/internal/metrics"
	"github.com/loykin/servermgr/internal/netprobe"
	"github.com/loykin/servermgr/internal/nginx"
	"github.com/loykin/servermgr/internal/pgdata"
	"github.com/loykin/servermgr/internal/postgres"
	"github.com/loykin/servermgr/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ServerConfig = config.Server

type HistoryConfig = config.History

type Config = config.File

type State = lifecycle.State

const (
	StateStopped  = lifecycle.StateStopped
	StateStarting = lifecycle.StateStarting
	StateRunning  = lifecycle.StateRunning
	StateStopping = lifecycle.StateStopping
	StateFailed   = lifecycle.StateFailed
)

// Manager is the lifecycle contract a server manager satisfies. Start and
// Stop drive the state machine; the remaining methods report without side
// effects. Implementations are not safe for concurrent Start/Stop on the
// same instance.
type Manager interface {
	// Start brings the server up and blocks until it accepts requests or the
	// start timeout passes. Any failure leaves the manager in StateFailed
	// with the subprocess terminated.
	Start(ctx context.Context) error
	// Stop shuts the server down gracefully, escalating to a forced kill
	// when the stop timeout passes. Stop from StateStopped is a no-op.
	Stop(ctx context.Context) error
	// Initialize prepares the data directory without starting the server.
	// Idempotent.
	Initialize(ctx context.Context) error
	// IsRunning reports whether the manager is in StateRunning.
	IsRunning() bool
	// State returns the current lifecycle state.
	State() State
	// PID returns the server process id, or zero when no process is held.
	PID() int
	// Alive checks the server process out of band, independent of the state
	// machine.
	Alive() (bool, error)
	// Config returns the configuration the manager was constructed with.
	Config() ServerConfig
}

// PostgresOption configures the PostgreSQL manager.
type PostgresOption = postgres.Option

var (
	WithLogger    = postgres.WithLogger
	WithHistory   = postgres.WithHistory
	WithReadiness = postgres.WithReadiness
)

// NewPostgres builds a Manager for a PostgreSQL server. The configuration is
// validated and the server binaries resolved eagerly; no subprocess is
// spawned until Start.
func NewPostgres(cfg ServerConfig, opts ...PostgresOption) (Manager, error) {
	return postgres.New(cfg, opts...)
}

// NginxOption configures the nginx manager.
type NginxOption = nginx.Option

var (
	NginxWithLogger       = nginx.WithLogger
	NginxWithHistory      = nginx.WithHistory
	NginxWithReadiness    = nginx.WithReadiness
	NginxWithHTTPRoot     = nginx.WithHTTPRoot
	WithFilesystemMapping = nginx.WithFilesystemMapping
	WithRedirectMapping   = nginx.WithRedirectMapping
	WithFastCGIMapping    = nginx.WithFastCGIMapping
	WithHTTPProxyMapping  = nginx.WithHTTPProxyMapping
)

// NewNginx builds a Manager for an nginx server. The manager renders a
// self-contained configuration under the data directory from the mapping
// options and supervises the server in the foreground.
func NewNginx(cfg ServerConfig, opts ...NginxOption) (Manager, error) {
	return nginx.New(cfg, opts...)
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Error taxonomy. Every error returned by a Manager carries a Kind.

type Kind = errdefs.Kind

const (
	KindConfig      = errdefs.KindConfig
	KindPermission  = errdefs.KindPermission
	KindTimeout     = errdefs.KindTimeout
	KindSubprocess  = errdefs.KindSubprocess
	KindUnavailable = errdefs.KindUnavailable
)

type WorkerError = errdefs.WorkerError

type DatabaseError = errdefs.DatabaseError

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return errdefs.IsKind(err, k) }

// Address probing.

// AddressInUse reports whether something accepts TCP connections on
// host:port.
func AddressInUse(host string, port int) (bool, error) {
	return netprobe.AddressInUse(host, port)
}

// WaitAddressFree polls until host:port stops accepting connections or the
// timeout passes. A non-positive timeout probes exactly once.
func WaitAddressFree(ctx context.Context, host string, port int, timeout, interval time.Duration) (bool, error) {
	return netprobe.WaitFree(ctx, host, port, timeout, interval)
}

// WaitAddressInUse polls until host:port accepts connections or the timeout
// passes.
func WaitAddressInUse(ctx context.Context, host string, port int, timeout, interval time.Duration) (bool, error) {
	return netprobe.WaitInUse(ctx, host, port, timeout, interval)
}

// Environment and data directory helpers.

// BuildEnv returns base with binDir prepended to PATH and the extra
// variables applied. The input slice is never mutated.
func BuildEnv(base []string, binDir string, extra map[string]string) []string {
	return env.Build(base, binDir, extra)
}

// InitializeDataDir runs first-time initialization for a server data
// directory. Initialization is idempotent; an already initialized directory
// is left untouched.
func InitializeDataDir(ctx context.Context, dir, binDir string, environ []string) error {
	return pgdata.Initialize(ctx, dir, binDir, environ)
}

// DataDirInitialized reports whether dir holds an initialized data
// directory.
func DataDirInitialized(dir string) bool { return pgdata.IsInitialized(dir) }

// History sinks.

type HistoryEvent = history.Event

type HistorySink = history.Sink

const (
	EventStart = history.EventStart
	EventStop  = history.EventStop
	EventFail  = history.EventFail
)

// NewSQLiteHistory opens a local SQLite-backed lifecycle event sink.
func NewSQLiteHistory(path string) (HistorySink, error) { return sqsink.New(path) }

type ClickHouseConfig = chsink.Config

// NewClickHouseHistory connects a ClickHouse-backed lifecycle event sink and
// ensures its table exists.
func NewClickHouseHistory(ctx context.Context, cfg ClickHouseConfig) (HistorySink, error) {
	s, err := chsink.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// MultiHistory fans events out to several sinks.
func MultiHistory(sinks ...HistorySink) HistorySink { return history.Multi(sinks) }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves Prometheus metrics from the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// NewHTTPServer starts an HTTP server on addr exposing status, lifecycle,
// and metrics endpoints for m under basePath.
func NewHTTPServer(addr, basePath string, m Manager) *http.Server {
	return server.NewServer(addr, basePath, m)
}
