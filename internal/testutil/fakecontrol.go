package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// FakeControl configures the shell-script stand-ins written by
// WriteFakeControl. The zero value behaves like a healthy installation
// whose server never accepts connections.
type FakeControl struct {
	// InitFails makes `pg_ctl initdb` exit 1 with a diagnostic.
	InitFails bool
	// InitSkipsControlFile makes initdb succeed without producing a data
	// directory that pg_controldata accepts.
	InitSkipsControlFile bool
	// InitWarning is printed to stderr by a successful initdb.
	InitWarning string
	// StartFails makes `pg_ctl start` exit 1.
	StartFails bool
	// StartLeavesStopped makes `pg_ctl start` exit 0 while `pg_ctl status`
	// keeps reporting no server.
	StartLeavesStopped bool
	// StopStderr is printed to stderr by `pg_ctl stop`.
	StopStderr string
}

// WriteFakeControl writes fake pg_ctl and pg_controldata scripts into a new
// directory and returns the pg_ctl path. Every invocation is appended to
// calls.log in the same directory. Skips the test on Windows.
//
// The fakes track a "running" marker file inside the data directory so
// `pg_ctl status` reflects start and stop calls.
func WriteFakeControl(t testing.TB, fc FakeControl) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake control executables are shell scripts")
	}
	dir := t.TempDir()
	callLog := filepath.Join(dir, "calls.log")

	var initdb strings.Builder
	switch {
	case fc.InitFails:
		initdb.WriteString("    echo \"initdb: simulated failure\" >&2\n    exit 1\n")
	default:
		if fc.InitWarning != "" {
			fmt.Fprintf(&initdb, "    echo %s >&2\n", shellQuote(fc.InitWarning))
		}
		if !fc.InitSkipsControlFile {
			initdb.WriteString("    mkdir -p \"$data/global\" && : > \"$data/global/pg_control\"\n")
		}
		initdb.WriteString("    exit 0\n")
	}

	start := "    : > \"$data/fake.running\"\n    exit 0\n"
	switch {
	case fc.StartFails:
		start = "    echo \"pg_ctl: could not start server\" >&2\n    exit 1\n"
	case fc.StartLeavesStopped:
		start = "    exit 0\n"
	}

	stop := "    rm -f \"$data/fake.running\"\n    exit 0\n"
	if fc.StopStderr != "" {
		stop = fmt.Sprintf("    echo %s >&2\n    exit 1\n", shellQuote(fc.StopStderr))
	}

	pgCtl := fmt.Sprintf(`#!/bin/sh
echo "pg_ctl $*" >> %s
cmd="$1"
shift
data=""
while [ $# -gt 0 ]; do
  case "$1" in
    -D) data="$2"; shift 2 ;;
    *) shift ;;
  esac
done
case "$cmd" in
  initdb)
%s    ;;
  start)
%s    ;;
  stop)
%s    ;;
  status)
    if [ -f "$data/fake.running" ]; then
      echo "pg_ctl: server is running (PID: 4242)"
      exit 0
    fi
    echo "pg_ctl: no server running"
    exit 3
    ;;
esac
echo "pg_ctl: unknown command $cmd" >&2
exit 1
`, shellQuote(callLog), initdb.String(), start, stop)

	controlData := fmt.Sprintf(`#!/bin/sh
echo "pg_controldata $*" >> %s
if [ -f "$1/global/pg_control" ]; then
  echo "pg_control version number:            1300"
  exit 0
fi
echo "pg_controldata: error: could not open file \"$1/global/pg_control\" for reading: No such file or directory" >&2
exit 1
`, shellQuote(callLog))

	pgCtlPath := filepath.Join(dir, "pg_ctl")
	writeScript(t, pgCtlPath, pgCtl)
	writeScript(t, filepath.Join(dir, "pg_controldata"), controlData)
	return pgCtlPath
}

// FakeCalls returns the invocations recorded by the fakes next to pgCtl.
func FakeCalls(t testing.TB, pgCtl string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(pgCtl), "calls.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("reading fake call log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// WaitForFakeCall polls the call log next to pgCtl until a line starting
// with prefix appears. It reports false if none does within timeout. It
// takes no testing.TB so it can run off the test goroutine.
func WaitForFakeCall(pgCtl, prefix string, timeout time.Duration) bool {
	logPath := filepath.Join(filepath.Dir(pgCtl), "calls.log")
	deadline := time.Now().Add(timeout)
	for {
		if data, err := os.ReadFile(logPath); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, prefix) {
					return true
				}
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// MakeFakeDataDir creates a directory the fake pg_controldata accepts.
func MakeFakeDataDir(t testing.TB) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "source")
	if err := os.MkdirAll(filepath.Join(dir, "global"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "global", "pg_control"), []byte("control"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte("16\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeScript(t testing.TB, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0755); err != nil { //nolint:gosec // test executable
		t.Fatalf("writing %s: %v", path, err)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
