//go:build !windows

package pgdata

import (
	"os"
	"syscall"

	"github.com/loykin/servermgr/internal/errdefs"
)

// checkOwnerOnly fails when the directory is group/world accessible or is
// not owned by the invoking user.
func checkOwnerOnly(path string, st os.FileInfo) error {
	if perm := st.Mode().Perm(); perm&0o077 != 0 {
		return errdefs.New(errdefs.KindPermission,
			"directory %s mode %04o is broader than owner-only", path, perm)
	}
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return errdefs.New(errdefs.KindUnavailable, "no ownership metadata for %s", path)
	}
	if int(sys.Uid) != os.Getuid() {
		return errdefs.New(errdefs.KindPermission,
			"directory %s owned by uid %d, not the invoking user (uid %d)", path, sys.Uid, os.Getuid())
	}
	return nil
}
