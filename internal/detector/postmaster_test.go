//go:build !windows

package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPostmasterDetectorMissingFile(t *testing.T) {
	d := PostmasterDetector{DataDir: t.TempDir()}
	alive, err := d.Alive()
	if err != nil || alive {
		t.Fatalf("missing pidfile: alive=%v err=%v", alive, err)
	}
}

func TestPostmasterDetectorLivePID(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	dir := t.TempDir()
	content := strconv.Itoa(cmd.Process.Pid) + "\n" + dir + "\n"
	if err := os.WriteFile(filepath.Join(dir, "postmaster.pid"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	d := PostmasterDetector{DataDir: dir}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("live pid: alive=%v err=%v", alive, err)
	}
}

func TestPostmasterDetectorStalePID(t *testing.T) {
	dir := t.TempDir()
	// PID 1 exists but very large pids are almost certainly free; use an
	// invalid marker instead to keep the test deterministic.
	if err := os.WriteFile(filepath.Join(dir, "postmaster.pid"), []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	d := PostmasterDetector{DataDir: dir}
	if _, err := d.Alive(); err == nil {
		t.Fatalf("expected parse error for corrupt pidfile")
	}
}

func TestPIDFileDetector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	d := PIDFileDetector{Path: path}
	if alive, err := d.Alive(); err != nil || alive {
		t.Fatalf("missing pidfile: alive=%v err=%v", alive, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if alive, err := d.Alive(); err != nil || !alive {
		t.Fatalf("own pid: alive=%v err=%v", alive, err)
	}
}

func TestPIDDetector(t *testing.T) {
	if alive, _ := (PIDDetector{PID: os.Getpid()}).Alive(); !alive {
		t.Fatalf("own pid should be alive")
	}
	if alive, _ := (PIDDetector{PID: 0}).Alive(); alive {
		t.Fatalf("pid 0 must not be alive")
	}
}
