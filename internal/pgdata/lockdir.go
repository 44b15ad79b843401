package pgdata

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/loykin/servermgr/internal/errdefs"
)

// lockFileName is the advisory lock held by a manager for its lifetime.
const lockFileName = "manager.lock"

// CheckLockDirPermissions verifies that the lock directory, if it exists,
// is owned by the invoking user with mode no broader than 0700. Permissions
// are never loosened or tightened here; a violation is surfaced and the
// start is refused.
func CheckLockDirPermissions(path string) error {
	if path == "" {
		return errdefs.New(errdefs.KindConfig, "lock directory not set")
	}
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "stat lock directory %s", path)
	}
	if !st.IsDir() {
		return errdefs.New(errdefs.KindConfig, "lock directory %s is not a directory", path)
	}
	return checkOwnerOnly(path, st)
}

// EnsureLockDir creates the lock directory with owner-only permissions when
// missing, then re-checks ownership and mode.
func EnsureLockDir(path string) error {
	if err := CheckLockDirPermissions(path); err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return errdefs.Wrap(errdefs.KindUnavailable, err, "create lock directory %s", path)
		}
	}
	return nil
}

// AcquireLock takes a non-blocking advisory lock inside the lock directory.
// It fails when another manager already holds the lock, which guards two
// managers driving the same data directory. Callers must Release the
// returned lock when the manager stops.
func AcquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(path, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnavailable, err, "lock %s", fl.Path())
	}
	if !ok {
		return nil, errdefs.New(errdefs.KindPermission, "lock %s held by another manager", fl.Path())
	}
	return fl, nil
}
