package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/servermgr/internal/errdefs"
	"github.com/loykin/servermgr/internal/metrics"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	// reapWindow bounds each wait on the monitor after a forced kill.
	reapWindow = 2 * time.Second
	// stderrLimit caps captured startup diagnostics.
	stderrLimit = 64 << 10
)

// Plan injects the server-specific parts of a lifecycle into the shared
// driver: how to build the command, how to decide readiness, and how to ask
// for a graceful shutdown. Variants compose a Plan instead of subclassing
// the driver.
type Plan struct {
	Name string

	// Command builds the server process invocation with its environment
	// already applied. Called once per Start.
	Command func() *exec.Cmd

	// PreStart runs before the subprocess is spawned (directory checks,
	// first-run initialization). Optional.
	PreStart func(ctx context.Context) error

	// Ready decides whether the started server is accepting requests. It is
	// polled until success or the start timeout. A nil return means ready.
	Ready func(ctx context.Context) error

	// ConfirmStopped runs after the subprocess is reaped to verify external
	// resources (the listening address) were released. Optional.
	ConfirmStopped func(ctx context.Context) error

	// GracefulSignal is sent to the process group on Stop; SIGTERM when zero.
	GracefulSignal syscall.Signal

	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration

	// Stdout receives the server's standard output; discarded when nil.
	Stdout io.Writer

	// Stderr receives a copy of the server's standard error in addition to
	// the bounded diagnostic capture. Optional.
	Stderr io.Writer
}

// Driver owns one server subprocess and its state machine. It is the single
// lifecycle authority for that process: every exit path of Start and Stop
// leaves the child reaped or killed, never leaked. One controller per
// driver; concurrent Start/Stop on the same instance is not supported.
type Driver struct {
	mu     sync.Mutex
	plan   Plan
	state  State
	cmd    *exec.Cmd
	waitCh chan error
	stderr *bytes.Buffer
	log    *slog.Logger
}

func New(plan Plan, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if plan.GracefulSignal == 0 {
		plan.GracefulSignal = syscall.SIGTERM
	}
	if plan.StartTimeout <= 0 {
		plan.StartTimeout = defaultStartTimeout
	}
	if plan.StopTimeout <= 0 {
		plan.StopTimeout = defaultStopTimeout
	}
	if plan.PollInterval <= 0 {
		plan.PollInterval = defaultPollInterval
	}
	return &Driver{plan: plan, state: StateStopped, log: log.With("server", plan.Name)}
}

// SetOutput installs writers for the child's stdout and stderr. Intended
// for PreStart hooks that open log destinations; must not be called while
// the subprocess is running.
func (d *Driver) SetOutput(stdout, stderr io.Writer) {
	d.mu.Lock()
	d.plan.Stdout = stdout
	d.plan.Stderr = stderr
	d.mu.Unlock()
}

// State returns the current lifecycle state without side effects.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsRunning reports whether the driver is in the running state.
func (d *Driver) IsRunning() bool { return d.State() == StateRunning }

// PID returns the subprocess pid, or zero when no process is held.
func (d *Driver) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil && d.cmd.Process != nil {
		return d.cmd.Process.Pid
	}
	return 0
}

func (d *Driver) transition(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()
	if from != to {
		metrics.StateTransition(d.plan.Name, from.String(), to.String())
		d.log.Debug("state transition", "from", from.String(), "to", to.String())
	}
}

// Start launches the subprocess and polls readiness until the start timeout.
// Valid only from the stopped state. Any failure lands in the failed state
// with the subprocess terminated; the driver must then be replaced.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		st := d.state
		d.mu.Unlock()
		return errdefs.New(errdefs.KindConfig, "start invalid from state %s", st)
	}
	d.state = StateStarting
	d.mu.Unlock()
	metrics.StateTransition(d.plan.Name, StateStopped.String(), StateStarting.String())

	began := time.Now()
	if err := d.start(ctx); err != nil {
		d.transition(StateFailed)
		metrics.StartFailed(d.plan.Name)
		return err
	}
	d.transition(StateRunning)
	metrics.Started(d.plan.Name, time.Since(began))
	return nil
}

func (d *Driver) start(ctx context.Context) error {
	if d.plan.PreStart != nil {
		if err := d.plan.PreStart(ctx); err != nil {
			return err
		}
	}

	cmd := d.plan.Command()
	if cmd == nil {
		return errdefs.New(errdefs.KindConfig, "no command configured")
	}
	stderr := &bytes.Buffer{}
	capture := io.Writer(&boundedWriter{buf: stderr, limit: stderrLimit})
	if d.plan.Stderr != nil {
		capture = io.MultiWriter(capture, d.plan.Stderr)
	}
	cmd.Stderr = capture
	if d.plan.Stdout != nil {
		cmd.Stdout = d.plan.Stdout
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return errdefs.Wrap(errdefs.KindSubprocess, err, "spawn %s", cmd.Path)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	d.mu.Lock()
	d.cmd = cmd
	d.waitCh = waitCh
	d.stderr = stderr
	d.mu.Unlock()
	d.log.Info("subprocess started", "pid", cmd.Process.Pid)

	deadline := time.Now().Add(d.plan.StartTimeout)
	for {
		select {
		case err := <-waitCh:
			// Exited during startup. Keep the channel usable for Stop.
			waitCh <- err
			return d.startupExit(err)
		case <-ctx.Done():
			d.terminateGroup()
			d.reap(reapWindow)
			return errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "start canceled")
		default:
		}

		if d.plan.Ready != nil {
			rctx, cancel := context.WithTimeout(ctx, d.plan.PollInterval)
			err := d.plan.Ready(rctx)
			cancel()
			if err == nil {
				return nil
			}
			// Unexpected probe failures abort; "not yet listening" retries.
			if errdefs.IsKind(err, errdefs.KindUnavailable) || errdefs.IsKind(err, errdefs.KindPermission) {
				d.terminateGroup()
				d.reap(reapWindow)
				return err
			}
		} else {
			return nil
		}

		if time.Now().After(deadline) {
			d.terminateGroup()
			d.reap(reapWindow)
			return errdefs.New(errdefs.KindTimeout,
				"%s not ready within %s", d.plan.Name, d.plan.StartTimeout)
		}
		time.Sleep(d.plan.PollInterval)
	}
}

func (d *Driver) startupExit(waitErr error) error {
	d.mu.Lock()
	diag := ""
	if d.stderr != nil {
		diag = d.stderr.String()
	}
	d.mu.Unlock()
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return errdefs.NewDatabase(errdefs.KindSubprocess, diag,
			"%s exited %d during startup", d.plan.Name, ee.ExitCode())
	}
	return errdefs.NewDatabase(errdefs.KindSubprocess, diag,
		"%s exited during startup", d.plan.Name)
}

// Stop requests a graceful shutdown and escalates to a forced kill when the
// subprocess does not exit within the stop timeout. Stop from stopped is a
// no-op; stop from failed is best-effort cleanup. Once the process is
// confirmed gone the driver is stopped, even on the escalation path.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateStopped:
		d.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := d.state
		d.mu.Unlock()
		return errdefs.New(errdefs.KindConfig, "stop invalid from state %s", st)
	}
	from := d.state
	d.state = StateStopping
	cmd := d.cmd
	d.mu.Unlock()
	metrics.StateTransition(d.plan.Name, from.String(), StateStopping.String())

	if cmd == nil || cmd.Process == nil {
		// Failed before spawn; nothing to reap.
		d.transition(StateStopped)
		return nil
	}

	pid := cmd.Process.Pid
	d.log.Info("stopping subprocess", "pid", pid, "signal", d.plan.GracefulSignal.String())
	_ = signalGroup(pid, d.plan.GracefulSignal)

	if !d.reap(d.plan.StopTimeout) {
		// Graceful window exhausted: force, retrying the kill once.
		d.log.Warn("graceful stop timed out, killing", "pid", pid)
		_ = signalGroup(pid, syscall.SIGKILL)
		if !d.reap(reapWindow) {
			_ = signalGroup(pid, syscall.SIGKILL)
			if !d.reap(reapWindow) {
				d.transition(StateFailed)
				return errdefs.New(errdefs.KindTimeout,
					"%s (pid %d) survived forced termination", d.plan.Name, pid)
			}
		}
	}

	if d.plan.ConfirmStopped != nil {
		if err := d.plan.ConfirmStopped(ctx); err != nil {
			d.transition(StateFailed)
			return err
		}
	}
	d.clearProcess()
	d.transition(StateStopped)
	metrics.Stopped(d.plan.Name)
	return nil
}

// reap waits up to window for the monitor goroutine to deliver the exit of
// the current subprocess. Returns true when the process was reaped.
func (d *Driver) reap(window time.Duration) bool {
	d.mu.Lock()
	waitCh := d.waitCh
	d.mu.Unlock()
	if waitCh == nil {
		return true
	}
	select {
	case err := <-waitCh:
		waitCh <- err
		return true
	case <-time.After(window):
		return false
	}
}

func (d *Driver) terminateGroup() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (d *Driver) clearProcess() {
	d.mu.Lock()
	d.cmd = nil
	d.waitCh = nil
	d.stderr = nil
	d.mu.Unlock()
}

// boundedWriter keeps the head of the stream and drops the rest, so a noisy
// child cannot grow startup diagnostics without bound.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		room := w.limit - w.buf.Len()
		if room > len(p) {
			room = len(p)
		}
		w.buf.Write(p[:room])
	}
	return len(p), nil
}
