// Package nginx manages a dedicated nginx server through the shared
// lifecycle driver. The manager renders a self-contained configuration
// under its base directory (URL mappings to filesystem locations, FastCGI
// backends, reverse proxies, and redirects) and supervises the server in
// the foreground.
package nginx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/servermgr/internal/config"
	"github.com/loykin/servermgr/internal/detector"
	"github.com/loykin/servermgr/internal/env"
	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/history"
	"github.com/loykin/servermgr/internal/lifecycle"
	"github.com/loykin/servermgr/internal/netprobe"
)

// DefaultPort is the listen port when the configuration leaves it unset.
const DefaultPort = 8080

// Manager drives one nginx server process. DataDir is its base directory
// (config, logs, pid file, temp trees); BinDir optionally points at the
// directory holding the nginx binary. One lifecycle controller per Manager.
type Manager struct {
	cfg      config.Server
	httpRoot string
	blocks   []string

	drv  *lifecycle.Driver
	log  *slog.Logger
	hist history.Sink
	rdy  func(ctx context.Context) error

	mu   sync.Mutex
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
// stand-in binaries without a status endpoint.
func WithReadiness(ready func(ctx context.Context) error) Option {
	return func(m *Manager) { m.rdy = ready }
}

// WithHTTPRoot sets the document root; the base directory is served
// otherwise.
func WithHTTPRoot(root string) Option {
	return func(m *Manager) { m.httpRoot = root }
}

// WithFilesystemMapping serves the given directory under urlPrefix.
func WithFilesystemMapping(urlPrefix, dir string) Option {
	return func(m *Manager) { m.blocks = append(m.blocks, filesystemBlock(urlPrefix, dir)) }
}

// WithRedirectMapping rewrites URLs under urlPrefix matching pattern to the
// rewrite target with a permanent redirect.
func WithRedirectMapping(urlPrefix, pattern, rewrite string) Option {
	return func(m *Manager) { m.blocks = append(m.blocks, redirectBlock(urlPrefix, pattern, rewrite)) }
}

// WithFastCGIMapping forwards requests under urlPrefix to the FastCGI
// server at destination (host:port or unix socket).
func WithFastCGIMapping(urlPrefix, destination string) Option {
	return func(m *Manager) { m.blocks = append(m.blocks, fastCGIBlock(urlPrefix, destination)) }
}

// WithHTTPProxyMapping reverse-proxies requests under urlPrefix to the
// given upstream URL.
func WithHTTPProxyMapping(urlPrefix, destination string) Option {
	return func(m *Manager) { m.blocks = append(m.blocks, httpProxyBlock(urlPrefix, destination)) }
}

// New validates cfg and returns a Manager in the stopped state. DataDir is
// the base directory; no subprocess is spawned until Start.
func New(cfg config.Server, opts ...Option) (*Manager, error) {
	if cfg.Name == "" {
		cfg.Name = "nginx"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("server", cfg.Name)
	if m.rdy == nil {
		m.rdy = m.health
	}

	m.drv = lifecycle.New(lifecycle.Plan{
		Name:           cfg.Name,
		Command:        m.command,
		PreStart:       m.preStart,
		Ready:          m.ready,
		ConfirmStopped: m.confirmStopped,
		GracefulSignal: syscall.SIGQUIT,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
		PollInterval:   cfg.PollInterval,
	}, m.log)
	return m, nil
}

// Config returns the configuration the Manager was constructed with.
func (m *Manager) Config() config.Server { return m.cfg }

// IsRunning reports whether the server is in the running state.
func (m *Manager) IsRunning() bool { return m.drv.IsRunning() }

// State exposes the lifecycle state for status reporting.
func (m *Manager) State() lifecycle.State { return m.drv.State() }

// PID returns the server process id, or zero when not running.
func (m *Manager) PID() int { return m.drv.PID() }

// Initialize creates the directory tree and renders the configuration file
// without starting the server. Idempotent; an existing config is rewritten
// from the current mappings.
func (m *Manager) Initialize(context.Context) error {
	if err := m.ensureDirs(); err != nil {
		return err
	}
	return m.writeConfigFile()
}

// Start renders the configuration, launches nginx in the foreground, and
// polls the status endpoint until it answers or the start timeout passes.
func (m *Manager) Start(ctx context.Context) error {
	err := m.drv.Start(ctx)
	if err != nil {
		m.record(ctx, history.EventFail, err.Error())
		m.releaseWriters()
		return err
	}
	m.record(ctx, history.EventStart, "")
	m.log.Info("server ready", "addr", m.addr(), "pid", m.drv.PID())
	return nil
}

// Stop shuts the server down with SIGQUIT (nginx's graceful stop),
// escalating to a forced kill when the stop timeout passes, and confirms
// the address is released.
func (m *Manager) Stop(ctx context.Context) error {
	wasStopped := m.drv.State() == lifecycle.StateStopped
	err := m.drv.Stop(ctx)
	m.releaseWriters()
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

// Alive performs an out-of-band liveness check through the pid file,
// independent of the state machine.
func (m *Manager) Alive() (bool, error) {
	return detector.PIDFileDetector{Path: m.pidPath()}.Alive()
}

func (m *Manager) addr() string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

func (m *Manager) environ() []string {
	e := env.New()
	e.FromOS()
	return env.Build(e.Merge(m.cfg.Env), m.cfg.BinDir, nil)
}

func (m *Manager) command() *exec.Cmd {
	bin := "nginx"
	if m.cfg.BinDir != "" {
		bin = filepath.Join(m.cfg.BinDir, "nginx")
	}
	// #nosec G204 -- arguments come from validated manager configuration
	cmd := exec.Command(bin, "-c", m.configPath())
	cmd.Env = m.environ()
	return cmd
}

func (m *Manager) preStart(ctx context.Context) error {
	inUse, err := netprobe.AddressInUse(m.cfg.Host, m.cfg.Port)
	if err != nil {
		return err
	}
	if inUse {
		return errdefs.New(errdefs.KindConfig, "address %s already in use", m.addr())
	}
	if err := m.Initialize(ctx); err != nil {
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

// health asks the stub status endpoint; anything but a 200 means the server
// is not serving yet.
func (m *Manager) health(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/nginx_status", m.addr())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}

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

func (m *Manager) releaseWriters() {
	m.mu.Lock()
	outW, errW := m.outW, m.errW
	m.outW, m.errW = nil, nil
	m.mu.Unlock()
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
