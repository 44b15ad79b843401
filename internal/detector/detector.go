package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Detector is a strategy that determines if a server process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDFileDetector detects a running server via a pid file whose first line
// is the pid; later lines are ignored.
type PIDFileDetector struct {
	Path string
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return false, fmt.Errorf("invalid pid in %s: %w", d.Path, err)
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.Path }

// PostmasterDetector reads the postmaster.pid file PostgreSQL writes into
// its data directory (first line pid; data dir, start time, port and socket
// dir follow).
type PostmasterDetector struct {
	DataDir string
}

func (d PostmasterDetector) pidFile() string {
	return filepath.Join(d.DataDir, "postmaster.pid")
}

func (d PostmasterDetector) Alive() (bool, error) {
	return PIDFileDetector{Path: d.pidFile()}.Alive()
}

func (d PostmasterDetector) Describe() string { return "postmaster:" + d.pidFile() }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
