//go:build windows

package pgserver

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// detachedProcessAttr starts the control executable in a new process group.
// CREATE_NEW_PROCESS_GROUP is the analog of Unix Setpgid.
func detachedProcessAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// isExecutable reports whether path is a regular file with an executable
// extension. Windows has no execute permission bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".bat", ".cmd", ".com":
		return true
	}
	return false
}
