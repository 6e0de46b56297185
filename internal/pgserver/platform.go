package pgserver

import (
	"path/filepath"
	"runtime"
	"strings"
)

// platform captures the host-specific parts of building control executable
// command lines, keeping the lifecycle code in fixture.go platform-agnostic.
type platform interface {
	// name identifies the strategy in logs.
	name() string
	// socketDir returns the Unix domain socket directory for a fixture rooted
	// at baseDir, or "" when the host does not use one.
	socketDir(baseDir string) string
	// quote quotes a single argument embedded in the -o option string,
	// which pg_ctl hands to a shell.
	quote(arg string) string
	// executable returns the file name of a program on this host.
	executable(name string) string
}

// hostPlatform returns the strategy for the running OS.
func hostPlatform() platform {
	return platformFor(runtime.GOOS)
}

func platformFor(goos string) platform {
	if goos == "windows" {
		return windowsPlatform{}
	}
	return posixPlatform{}
}

type posixPlatform struct{}

func (posixPlatform) name() string { return "posix" }

func (posixPlatform) socketDir(baseDir string) string {
	return filepath.Join(baseDir, "tmp")
}

// quote single-quotes arg for /bin/sh.
func (posixPlatform) quote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func (posixPlatform) executable(name string) string { return name }

type windowsPlatform struct{}

func (windowsPlatform) name() string { return "windows" }

func (windowsPlatform) socketDir(string) string { return "" }

func (windowsPlatform) quote(arg string) string {
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}

func (windowsPlatform) executable(name string) string {
	if strings.EqualFold(filepath.Ext(name), ".exe") {
		return name
	}
	return name + ".exe"
}
