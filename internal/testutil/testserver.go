package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jamesnunn/pgtest/internal/pgserver"
)

const testMarkerPrefix = "pgtest-test-"

// serverStartTimeout is generous: initdb plus first start on a loaded CI
// runner can take several seconds.
const serverStartTimeout = 60 * time.Second

// TestServer is a fixture shared by every test in a package.
type TestServer struct {
	*pgserver.Fixture
	marker string
}

// PostgresUnavailable returns a reason why real servers cannot be started
// on this host, or "" when they can.
func PostgresUnavailable() string {
	if _, err := pgserver.DefaultLocator().Find(pgserver.PgCtlName); err != nil {
		return err.Error()
	}
	// initdb and the server refuse to run with root privileges.
	if runtime.GOOS != "windows" && os.Geteuid() == 0 {
		return "PostgreSQL cannot run as root"
	}
	return ""
}

// SkipIfNoPostgres skips t when PostgresUnavailable reports a reason.
func SkipIfNoPostgres(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	if reason := PostgresUnavailable(); reason != "" {
		t.Skip("skipping: " + reason)
	}
}

// StartTestServer starts a dedicated server in a temp directory on a free
// port. Cleans up stale test servers first. Installs a signal handler so
// cleanup runs even when tests are interrupted with Ctrl+C.
//
// tmpDirPrefix is the os.MkdirTemp prefix (e.g. "pgtest-cmd-*").
// Returns the server (nil if PostgreSQL is unusable) and a cleanup function.
func StartTestServer(tmpDirPrefix string) (*TestServer, func()) {
	CleanStaleTestServers()

	if reason := PostgresUnavailable(); reason != "" {
		fmt.Fprintf(os.Stderr, "WARN: not starting test server: %s\n", reason)
		return nil, func() {}
	}

	tmpDir, err := os.MkdirTemp("", tmpDirPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARN: failed to create test server dir: %v\n", err)
		return nil, func() {}
	}

	cfg := pgserver.DefaultConfig()
	cfg.BaseDir = tmpDir
	cfg.StartTimeout = serverStartTimeout
	cfg.Logf = func(string, ...any) {}
	if os.Getenv("PGTEST_TEST_VERBOSE") == "1" {
		cfg.Logf = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "[pgtest-test] "+format+"\n", args...)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*serverStartTimeout)
	defer cancel()
	fx, err := pgserver.Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARN: failed to start test server: %v\n", err)
		_ = os.RemoveAll(tmpDir)
		return nil, func() {}
	}

	// Marker file so stale cleanup can find orphans from interrupted runs.
	// Format: "OWNER_PID\nDATA_DIR\n"
	marker := filepath.Join(os.TempDir(), fmt.Sprintf("%s%d.marker", testMarkerPrefix, fx.Port()))
	_ = os.WriteFile(marker, []byte(fmt.Sprintf("%d\n%s\n", os.Getpid(), fx.DataDir())), 0600)

	srv := &TestServer{Fixture: fx, marker: marker}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.cleanup()
		os.Exit(1)
	}()

	cleanup := func() {
		signal.Stop(sigCh)
		srv.cleanup()
	}
	return srv, cleanup
}

// cleanup stops the server, removes the working tree and marker file.
func (s *TestServer) cleanup() {
	if s == nil {
		return
	}
	if s.Fixture != nil {
		if err := s.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "WARN: stopping test server: %v\n", err)
		}
	}
	if s.marker != "" {
		_ = os.Remove(s.marker)
	}
}

// CleanStaleTestServers stops servers left behind by test binaries that
// died without cleaning up, found through their marker files.
func CleanStaleTestServers() {
	markers, err := filepath.Glob(filepath.Join(os.TempDir(), testMarkerPrefix+"*.marker"))
	if err != nil || len(markers) == 0 {
		return
	}
	var ctl *pgserver.Control
	for _, marker := range markers {
		owner, dataDir, err := readMarker(marker)
		if err != nil {
			_ = os.Remove(marker)
			continue
		}
		if processAlive(owner) {
			continue
		}
		if ctl == nil {
			if ctl, err = pgserver.NewControl(nil, ""); err != nil {
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if running, _ := ctl.IsServerRunning(ctx, dataDir); running {
			_ = ctl.Stop(ctx, dataDir)
		}
		cancel()
		_ = os.RemoveAll(filepath.Dir(dataDir))
		_ = os.Remove(marker)
	}
}

func readMarker(path string) (owner int, dataDir string, err error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: marker files are written by this package
	if err != nil {
		return 0, "", err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return 0, "", errors.New("malformed marker file")
	}
	owner, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, "", err
	}
	dataDir = strings.TrimSpace(lines[1])
	if !filepath.IsAbs(dataDir) || filepath.Base(dataDir) != "data" {
		return 0, "", errors.New("marker does not name a fixture data directory")
	}
	return owner, dataDir, nil
}

// WaitForServer polls until the server accepts TCP connections on the given port.
func WaitForServer(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}
