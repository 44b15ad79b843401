package pgdata

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/servermgr/internal/errdefs"
)

// versionMarker is written by initdb into a valid data directory.
const versionMarker = "PG_VERSION"

// IsInitialized reports whether dir already contains an initialized data
// directory (the PG_VERSION marker is present).
func IsInitialized(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, versionMarker))
	return err == nil && st.Mode().IsRegular()
}

// Initialize prepares dir as a server data directory. When dir is missing or
// empty it is created with owner-only permissions and initdb from binDir is
// run with the supplied environment. When dir already carries the version
// marker the call is a no-op, so calling Initialize twice is safe.
func Initialize(ctx context.Context, dir, binDir string, environ []string) error {
	if dir == "" {
		return errdefs.New(errdefs.KindConfig, "data directory not set")
	}
	if IsInitialized(dir) {
		return nil
	}
	if st, err := os.Stat(dir); err == nil {
		if !st.IsDir() {
			return errdefs.New(errdefs.KindConfig, "data directory %s is not a directory", dir)
		}
		if err := checkOwnerOnly(dir, st); err != nil {
			return err
		}
		empty, err := dirEmpty(dir)
		if err != nil {
			return errdefs.Wrap(errdefs.KindUnavailable, err, "read data directory %s", dir)
		}
		if !empty {
			return errdefs.New(errdefs.KindConfig, "data directory %s is not empty and not initialized", dir)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errdefs.Wrap(errdefs.KindUnavailable, err, "create data directory %s", dir)
		}
	} else {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "stat data directory %s", dir)
	}
	return runInitDB(ctx, dir, binDir, environ)
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func runInitDB(ctx context.Context, dir, binDir string, environ []string) error {
	bin := "initdb"
	if binDir != "" {
		bin = filepath.Join(binDir, "initdb")
	}
	// #nosec G204 -- binDir comes from validated manager configuration
	cmd := exec.CommandContext(ctx, bin, "-D", dir)
	if len(environ) > 0 {
		cmd.Env = environ
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return errdefs.NewDatabase(errdefs.KindSubprocess,
				strings.TrimSpace(stderr.String()), "initdb -D %s exited %d", dir, ee.ExitCode())
		}
		return errdefs.Wrap(errdefs.KindUnavailable, err, "run %s", bin)
	}
	return nil
}
