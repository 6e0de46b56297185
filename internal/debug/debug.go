// Package debug provides env-gated diagnostic logging.
//
// Output is enabled by setting PGTEST_DEBUG to any non-empty value, or by the
// CLI's --verbose flag.
package debug

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	enabled atomic.Bool
	logger  = log.New(os.Stderr, "[pgtest] ", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	enabled.Store(os.Getenv("PGTEST_DEBUG") != "")
}

// Enabled reports whether debug output is on.
func Enabled() bool { return enabled.Load() }

// SetEnabled turns debug output on or off.
func SetEnabled(on bool) { enabled.Store(on) }

// SetOutput redirects debug output. Used by tests.
func SetOutput(w io.Writer) { logger.SetOutput(w) }

// Logf prints a formatted line when debug output is on.
func Logf(format string, args ...any) {
	if enabled.Load() {
		logger.Printf(format, args...)
	}
}
