//go:build !windows

package lifecycle

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/servermgr/internal/errdefs"
)

func readyAlways(context.Context) error { return nil }

func readyNever(context.Context) error {
	return errdefs.New(errdefs.KindTimeout, "not listening yet")
}

func sleepPlan(name string, ready func(context.Context) error) Plan {
	return Plan{
		Name:         name,
		Command:      func() *exec.Cmd { return exec.Command("sleep", "30") },
		Ready:        ready,
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

func TestStartRunStop(t *testing.T) {
	d := New(sleepPlan("demo", readyAlways), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.IsRunning() {
		t.Fatalf("expected running after start")
	}
	pid := d.PID()
	if pid <= 0 {
		t.Fatalf("expected pid, got %d", pid)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if d.IsRunning() {
		t.Fatalf("expected stopped after stop")
	}
	if d.State() != StateStopped {
		t.Fatalf("state %s", d.State())
	}
	// The child must be reaped, not leaked.
	if syscall.Kill(pid, 0) == nil {
		t.Fatalf("pid %d still alive after stop", pid)
	}
}

func TestStartInvalidWhileRunning(t *testing.T) {
	d := New(sleepPlan("dup", readyAlways), nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = d.Stop(context.Background()) }()

	err := d.Start(context.Background())
	if !errdefs.IsKind(err, errdefs.KindConfig) {
		t.Fatalf("expected config kind for double start, got %v", err)
	}
}

func TestStopFromStoppedIsNoop(t *testing.T) {
	d := New(sleepPlan("idle", readyAlways), nil)
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop from stopped: %v", err)
	}
}

func TestStartTimeoutKillsSubprocess(t *testing.T) {
	plan := sleepPlan("slow", readyNever)
	plan.StartTimeout = 300 * time.Millisecond
	d := New(plan, nil)

	err := d.Start(context.Background())
	if !errdefs.IsKind(err, errdefs.KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if d.State() != StateFailed {
		t.Fatalf("state %s, want failed", d.State())
	}
	pid := d.PID()
	if pid > 0 && syscall.Kill(pid, 0) == nil {
		t.Fatalf("subprocess leaked after start timeout")
	}
	// Failed state is absorbing for start.
	if err := d.Start(context.Background()); !errdefs.IsKind(err, errdefs.KindConfig) {
		t.Fatalf("start from failed should be invalid, got %v", err)
	}
	// But stop is best-effort cleanup back to stopped.
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("cleanup stop: %v", err)
	}
	if d.State() != StateStopped {
		t.Fatalf("state %s after cleanup", d.State())
	}
}

func TestStartSubprocessExitSurfacesStderr(t *testing.T) {
	plan := Plan{
		Name:         "crash",
		Command:      func() *exec.Cmd { return exec.Command("/bin/sh", "-c", "echo boom >&2; exit 3") },
		Ready:        readyNever,
		StartTimeout: 2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
	d := New(plan, nil)

	err := d.Start(context.Background())
	if !errdefs.IsKind(err, errdefs.KindSubprocess) {
		t.Fatalf("expected subprocess kind, got %v", err)
	}
	var de *errdefs.DatabaseError
	if !errors.As(err, &de) {
		t.Fatalf("expected DatabaseError, got %T", err)
	}
	if de.Stderr == "" {
		t.Fatalf("expected captured stderr")
	}
	if d.State() != StateFailed {
		t.Fatalf("state %s, want failed", d.State())
	}
}

func TestStartAbortsOnUnavailableProbe(t *testing.T) {
	plan := sleepPlan("badprobe", func(context.Context) error {
		return errdefs.New(errdefs.KindUnavailable, "resolver exploded")
	})
	d := New(plan, nil)
	err := d.Start(context.Background())
	if !errdefs.IsKind(err, errdefs.KindUnavailable) {
		t.Fatalf("expected unavailable kind, got %v", err)
	}
	if d.State() != StateFailed {
		t.Fatalf("state %s", d.State())
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	plan := Plan{
		Name: "stubborn",
		Command: func() *exec.Cmd {
			return exec.Command("/bin/sh", "-c", `trap "" TERM; sleep 30`)
		},
		Ready:        readyAlways,
		StartTimeout: 2 * time.Second,
		StopTimeout:  200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}
	d := New(plan, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := d.PID()

	began := time.Now()
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop with escalation: %v", err)
	}
	if d.State() != StateStopped {
		t.Fatalf("state %s after escalation", d.State())
	}
	if syscall.Kill(pid, 0) == nil {
		t.Fatalf("stubborn child survived escalation")
	}
	if time.Since(began) > 5*time.Second {
		t.Fatalf("escalation took too long")
	}
}

func TestConfirmStoppedFailureSurfaces(t *testing.T) {
	plan := sleepPlan("confirm", readyAlways)
	plan.ConfirmStopped = func(context.Context) error {
		return errdefs.New(errdefs.KindTimeout, "address still bound")
	}
	d := New(plan, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := d.Stop(context.Background())
	if !errdefs.IsKind(err, errdefs.KindTimeout) {
		t.Fatalf("expected timeout kind from confirm, got %v", err)
	}
	if d.State() != StateFailed {
		t.Fatalf("state %s", d.State())
	}
}
