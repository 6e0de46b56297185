//go:build !windows

package pgserver

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachedProcessAttr puts the control executable in its own process group
// so a Ctrl+C aimed at the test binary does not reach the server directly;
// teardown goes through `pg_ctl stop` instead.
func detachedProcessAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// isExecutable reports whether path is a regular file the current user may
// execute.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
