//go:build windows

package pgdata

import "os"

// checkOwnerOnly is a no-op on Windows; POSIX mode bits and uid ownership
// do not map onto NTFS ACLs.
func checkOwnerOnly(_ string, _ os.FileInfo) error { return nil }
