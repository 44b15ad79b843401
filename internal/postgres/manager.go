package postgres

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/loykin/servermgr/internal/config"
	"github.com/loykin/servermgr/internal/detector"
	"github.com/loykin/servermgr/internal/env"
	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/history"
	"github.com/loykin/servermgr/internal/lifecycle"
	"github.com/loykin/servermgr/internal/netprobe"
	"github.com/loykin/servermgr/internal/pgdata"
)

// versionProbeTimeout bounds the `postgres --version` probe at construction.
const versionProbeTimeout = 5 * time.Second

// Manager drives one PostgreSQL server process: it resolves the binaries,
// initializes the data directory on first run, launches the server, confirms
// it accepts connections, and shuts it down gracefully. It composes the
// shared lifecycle driver with Postgres-specific command and readiness
// logic. One lifecycle controller per Manager; Start/Stop are not safe for
// concurrent invocation on the same instance.
type Manager struct {
	cfg    config.Server
	binDir string
	ver    pgdata.Version

	drv  *lifecycle.Driver
	log  *slog.Logger
	hist history.Sink
	rdy  func(ctx context.Context) error

	mu   sync.Mutex
	lock *flock.Flock
	outW io.WriteCloser
	errW io.WriteCloser
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger; slog.Default is used otherwise.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithHistory records lifecycle events to the given sink.
func WithHistory(sink history.Sink) Option {
	return func(m *Manager) { m.hist = sink }
}

// WithReadiness overrides the readiness predicate. Used by tests to manage
// stand-in server binaries that do not speak the Postgres protocol.
func WithReadiness(ready func(ctx context.Context) error) Option {
	return func(m *Manager) { m.rdy = ready }
}

// New validates cfg, resolves the server binaries, and returns a Manager in
// the stopped state. No subprocess is spawned until Start.
func New(cfg config.Server, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}

	if cfg.BinDir != "" {
		m.binDir = cfg.BinDir
		vctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
		ver, err := pgdata.BinaryVersion(vctx, cfg.BinDir)
		cancel()
		if err != nil {
			return nil, err
		}
		m.ver = ver
	} else {
		var ver pgdata.Version
		var err error
		if cfg.Version != "" {
			ver, err = pgdata.ParseVersion(cfg.Version)
		} else {
			ver, err = pgdata.DefaultVersion(cfg.InstallRoot)
		}
		if err != nil {
			return nil, err
		}
		m.ver = ver
		m.binDir = pgdata.VersionBinDir(cfg.InstallRoot, ver)
	}
	m.log = m.log.With("server", cfg.Name)
	if m.rdy == nil {
		m.rdy = m.handshake
	}

	m.drv = lifecycle.New(lifecycle.Plan{
		Name:           cfg.Name,
		Command:        m.command,
		PreStart:       m.preStart,
		Ready:          m.ready,
		ConfirmStopped: m.confirmStopped,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
		PollInterval:   cfg.PollInterval,
	}, m.log)
	return m, nil
}

// Config returns the configuration the Manager was constructed with.
func (m *Manager) Config() config.Server { return m.cfg }

// Version returns the resolved server version: selected under the install
// root, or probed from the binary when an explicit bin_dir is configured.
func (m *Manager) Version() pgdata.Version { return m.ver }

// IsRunning reports whether the server is in the running state. It queries
// the state machine only and has no side effects.
func (m *Manager) IsRunning() bool { return m.drv.IsRunning() }

// State exposes the lifecycle state for status reporting.
func (m *Manager) State() lifecycle.State { return m.drv.State() }

// PID returns the server process id, or zero when not running.
func (m *Manager) PID() int { return m.drv.PID() }

// Initialize prepares the data directory without starting the server. It is
// idempotent; an already initialized directory is left untouched.
func (m *Manager) Initialize(ctx context.Context) error {
	return pgdata.Initialize(ctx, m.cfg.DataDir, m.binDir, m.environ())
}

// Start brings the server up: lock and data directory checks, first-run
// initdb, spawn, then readiness polling up to the start timeout. On any
// failure the subprocess is terminated, the manager lands in the failed
// state, and a typed error is returned.
func (m *Manager) Start(ctx context.Context) error {
	err := m.drv.Start(ctx)
	if err != nil {
		m.record(ctx, history.EventFail, err.Error())
		m.releaseResources()
		return err
	}
	m.record(ctx, history.EventStart, "")
	m.log.Info("server ready", "addr", m.addr(), "pid", m.drv.PID())
	return nil
}

// Stop shuts the server down gracefully, escalating to a forced kill when
// the stop timeout passes, and confirms the address is released. Stop from
// stopped is a no-op; from failed it is best-effort cleanup.
func (m *Manager) Stop(ctx context.Context) error {
	wasStopped := m.drv.State() == lifecycle.StateStopped
	err := m.drv.Stop(ctx)
	m.releaseResources()
	if err != nil {
		m.record(ctx, history.EventFail, err.Error())
		return err
	}
	if !wasStopped {
		m.record(ctx, history.EventStop, "")
		m.log.Info("server stopped", "addr", m.addr())
	}
	return nil
}

// Alive performs an out-of-band liveness check through the postmaster.pid
// file, independent of the state machine. Useful for status reporting when
// a previous controller crashed.
func (m *Manager) Alive() (bool, error) {
	return detector.PostmasterDetector{DataDir: m.cfg.DataDir}.Alive()
}

func (m *Manager) addr() string {
	return m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
}

// environ builds the subprocess environment: OS base merged with the
// configured extras (${VAR} expansion applied), then the bin dir on PATH
// and PGDATA.
func (m *Manager) environ() []string {
	e := env.New()
	e.FromOS()
	base := e.Merge(m.cfg.Env)
	return env.Build(base, m.binDir, map[string]string{"PGDATA": m.cfg.DataDir})
}

func (m *Manager) command() *exec.Cmd {
	bin := filepath.Join(m.binDir, "postgres")
	// #nosec G204 -- arguments come from validated manager configuration
	cmd := exec.Command(bin,
		"-D", m.cfg.DataDir,
		"-h", m.cfg.Host,
		"-p", strconv.Itoa(m.cfg.Port),
		"-k", m.cfg.LockDir,
	)
	cmd.Env = m.environ()
	return cmd
}

func (m *Manager) preStart(ctx context.Context) error {
	// Fail fast when a foreign listener already holds the address.
	inUse, err := netprobe.AddressInUse(m.cfg.Host, m.cfg.Port)
	if err != nil {
		return err
	}
	if inUse {
		return errdefs.New(errdefs.KindConfig, "address %s already in use", m.addr())
	}

	if err := pgdata.EnsureLockDir(m.cfg.LockDir); err != nil {
		return err
	}
	lock, err := pgdata.AcquireLock(m.cfg.LockDir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.lock = lock
	m.mu.Unlock()

	if err := pgdata.Initialize(ctx, m.cfg.DataDir, m.binDir, m.environ()); err != nil {
		return err
	}
	if err := m.checkDiskFormat(); err != nil {
		return err
	}

	outW, errW, err := m.cfg.Log.Writers(m.cfg.Name)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "open server log writers")
	}
	m.mu.Lock()
	m.outW, m.errW = outW, errW
	m.mu.Unlock()
	m.drv.SetOutput(outW, errW)
	return nil
}

// checkDiskFormat compares the data directory's on-disk format against the
// resolved binary version.
func (m *Manager) checkDiskFormat() error {
	if m.ver == (pgdata.Version{}) {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(m.cfg.DataDir, "PG_VERSION"))
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "read data directory version marker")
	}
	onDisk, err := pgdata.ParseVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfig, err, "parse data directory version marker")
	}
	if onDisk.Major != m.ver.Major {
		return errdefs.NewDatabase(errdefs.KindConfig, "",
			"data directory format %s incompatible with server version %s", onDisk, m.ver)
	}
	return nil
}

// ready wraps the readiness predicate so the driver retries until the
// timeout: any handshake failure during startup is transient.
func (m *Manager) ready(ctx context.Context) error {
	if err := m.rdy(ctx); err != nil {
		if errdefs.IsKind(err, errdefs.KindUnavailable) || errdefs.IsKind(err, errdefs.KindPermission) {
			return err
		}
		return errdefs.Wrap(errdefs.KindTimeout, err, "server not ready")
	}
	return nil
}

func (m *Manager) confirmStopped(ctx context.Context) error {
	free, err := netprobe.WaitFree(ctx, m.cfg.Host, m.cfg.Port, m.cfg.StopTimeout, m.cfg.PollInterval)
	if err != nil {
		return err
	}
	if !free {
		return errdefs.New(errdefs.KindTimeout, "address %s still bound after stop", m.addr())
	}
	return nil
}

func (m *Manager) releaseResources() {
	m.mu.Lock()
	lock, outW, errW := m.lock, m.outW, m.errW
	m.lock, m.outW, m.errW = nil, nil, nil
	m.mu.Unlock()
	if lock != nil {
		_ = lock.Unlock()
	}
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

func (m *Manager) record(ctx context.Context, typ history.EventType, detail string) {
	if m.hist == nil {
		return
	}
	e := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Server:     m.cfg.Name,
		PID:        m.drv.PID(),
		Addr:       m.addr(),
		Detail:     detail,
	}
	if err := m.hist.Send(ctx, e); err != nil {
		m.log.Warn("record lifecycle event", "type", string(typ), "error", err)
	}
}

// String implements fmt.Stringer for log-friendly output.
func (m *Manager) String() string {
	return fmt.Sprintf("postgres manager %s at %s (data %s)", m.cfg.Name, m.addr(), m.cfg.DataDir)
}
