// Package pgserver manages the lifecycle of a disposable local PostgreSQL
// server used as a test fixture.
//
// A fixture owns a working tree:
//
//	<base>/data            server data directory
//	<base>/tmp             Unix domain socket directory (not on Windows)
//	<base>/pgtest_log.txt  server log (unless Config.LogFile is set)
//
// Provision validates the config, locates pg_ctl, allocates a port and
// initializes the data directory. Start launches the server, polls until it
// accepts connections and creates the configured database. Close stops the
// server and removes the working tree. Any failure inside Provision or Start
// tears down everything acquired so far before the error is returned, so a
// caller never holds a half-started fixture.
//
// A Fixture is not safe for concurrent use. Independent fixtures may run
// concurrently; each has its own port and working tree.
package pgserver

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jamesnunn/pgtest/internal/telemetry"
)

// Timeouts for teardown work that must finish even when the caller's
// context is already done.
const (
	abortStopTimeout = 10 * time.Second
	reapTimeout      = 5 * time.Second
	logTailLines     = 20
)

// confirmGrace is the least time pg_ctl start gets to return once the port
// accepts connections.
const confirmGrace = 5 * time.Second

// Fixture is one provisioned server instance. Its fields are fixed at
// provisioning time and exposed through read-only accessors.
type Fixture struct {
	id  string
	cfg Config
	ctl *Control

	port         int
	portReserved bool
	baseDir      string
	dataDir      string
	socketDir    string
	logFile      string

	state State

	startCmd    *exec.Cmd
	startOutput bytes.Buffer
	startDone   chan struct{}
	startErr    error

	cleanupOnce sync.Once
}

// Run provisions and starts a fixture. Callers release it with Close,
// typically deferred right after a successful Run.
func Run(ctx context.Context, cfg Config) (*Fixture, error) {
	f, err := Provision(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Provision validates cfg, locates the control executable, allocates a port
// and creates an initialized data directory. The server is not started.
//
// Validation and discovery errors are returned before anything is created.
// Later failures remove the working tree before returning.
func Provision(ctx context.Context, cfg Config) (f *Fixture, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "provision", attribute.String("pgtest.fixture.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	ctl, err := NewControl(cfg.Locator, cfg.PgCtl)
	if err != nil {
		return nil, err
	}
	if cfg.CopyFrom != "" {
		valid, err := ctl.IsValidInstanceDir(ctx, cfg.CopyFrom)
		if err != nil {
			return nil, wrapInitError("checking copy source", err)
		}
		if !valid {
			return nil, validationError("copy source", cfg.CopyFrom, "not a data directory")
		}
	}

	f = &Fixture{id: id, cfg: cfg, ctl: ctl}
	if err := f.allocatePort(); err != nil {
		return nil, err
	}

	if cfg.BaseDir != "" {
		f.baseDir = absClean(cfg.BaseDir)
	} else {
		dir, err := os.MkdirTemp("", "pgtest-*")
		if err != nil {
			f.releasePort()
			return nil, wrapInitError("creating base directory", err)
		}
		f.baseDir = dir
	}
	f.dataDir = filepath.Join(f.baseDir, "data")
	f.socketDir = ctl.platform.socketDir(f.baseDir)
	f.logFile = cfg.LogFile
	if f.logFile == "" {
		f.logFile = filepath.Join(f.baseDir, DefaultLogFileName)
	}
	span.SetAttributes(attribute.Int("pgtest.port", f.port), attribute.String("pgtest.base_dir", f.baseDir))

	if err := f.createDirs(); err != nil {
		return nil, f.fail(ctx, "provision", err)
	}
	f.state = StateDirectoriesReady

	if err := f.initDataDir(ctx); err != nil {
		return nil, f.fail(ctx, "provision", err)
	}
	if err := f.setDirPermissions(); err != nil {
		return nil, f.fail(ctx, "provision", err)
	}
	valid, err := ctl.IsValidInstanceDir(ctx, f.dataDir)
	if err != nil {
		return nil, f.fail(ctx, "provision", wrapInitError("checking data directory", err))
	}
	if !valid {
		return nil, f.fail(ctx, "provision", fmt.Errorf("%w: failed to create data directory %s", ErrInit, f.dataDir))
	}
	f.state = StateInitialized
	f.cfg.Logf("Initialized data directory %s (%s)", f.dataDir, ctl.platform.name())
	return f, nil
}

func (f *Fixture) allocatePort() error {
	if f.cfg.Port != 0 {
		if !f.cfg.Ports.Reserve(f.cfg.Port) {
			return validationError("port", f.cfg.Port, "already used by a running fixture")
		}
		f.port = f.cfg.Port
		f.portReserved = true
		return nil
	}
	port, err := f.cfg.Ports.BindUnusedPort()
	if err != nil {
		return wrapInitError("allocating port", err)
	}
	f.port = port
	f.portReserved = true
	return nil
}

func (f *Fixture) releasePort() {
	if f.portReserved {
		f.cfg.Ports.Release(f.port)
		f.portReserved = false
	}
}

// createDirs creates the directories the server needs.
func (f *Fixture) createDirs() error {
	for _, dir := range f.dirs() {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return wrapInitError("creating directories", err)
		}
	}
	return nil
}

// setDirPermissions restricts the working tree to its owner. The server
// refuses to start on a data directory readable by others.
func (f *Fixture) setDirPermissions() error {
	for _, dir := range f.dirs() {
		if err := os.Chmod(dir, 0700); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return wrapInitError("setting directory permissions", err)
		}
	}
	return nil
}

func (f *Fixture) dirs() []string {
	dirs := []string{f.baseDir, f.dataDir}
	if f.socketDir != "" {
		dirs = append(dirs, f.socketDir)
	}
	return dirs
}

// initDataDir runs initdb, or clones Config.CopyFrom over the empty data
// directory.
func (f *Fixture) initDataDir(ctx context.Context) error {
	if f.cfg.CopyFrom != "" {
		if err := os.RemoveAll(f.dataDir); err != nil {
			return wrapInitError("replacing data directory", err)
		}
		if err := copyDir(f.cfg.CopyFrom, f.dataDir); err != nil {
			return wrapInitError("copying "+f.cfg.CopyFrom, err)
		}
		return nil
	}
	warnings, err := f.ctl.InitDB(ctx, f.dataDir, f.cfg.Username, f.cfg.Encoding)
	if err != nil {
		return wrapInitError("initdb", err)
	}
	if warnings != "" {
		f.cfg.Logf("initdb: %s", warnings)
	}
	return nil
}

// Start launches the server, waits until it accepts connections and creates
// the configured database. On any failure the server is stopped and the
// working tree removed before the error is returned; a timeout is reported
// as ErrStartTimeout. A port already held by another process, or a server
// answering on it that pg_ctl did not start, is ErrStartup.
func (f *Fixture) Start(ctx context.Context) (err error) {
	if f.state != StateInitialized {
		return fmt.Errorf("%w: cannot start fixture in state %s", ErrStartup, f.state)
	}
	ctx, span := telemetry.StartSpan(ctx, "start", f.attrs()...)
	defer func() { telemetry.EndSpan(span, err) }()

	f.state = StateServerStarting
	if !isPortAvailable("127.0.0.1", f.port) {
		return f.abortStart(ctx, fmt.Errorf("%w: port %d is already in use by another process", ErrStartup, f.port))
	}

	cmd := f.ctl.StartCommand(f.dataDir, f.logFile, ServerOptions{
		Port:           f.port,
		SocketDir:      f.socketDir,
		MaxConnections: f.cfg.MaxConnections,
	})
	cmd.Stdout = &f.startOutput
	cmd.Stderr = &f.startOutput
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return f.abortStart(ctx, wrapStartupError("spawning "+PgCtlName+" start", err))
	}
	f.startCmd = cmd
	f.startDone = make(chan struct{})
	go func() {
		f.startErr = cmd.Wait()
		close(f.startDone)
	}()

	started := time.Now()
	admin := f.Params().WithDatabase(AdminDatabase)
	watch := exitStatus{done: f.startDone, err: func() error { return f.startErr }}
	if err := waitForReady(ctx, admin, f.cfg.StartTimeout, f.cfg.PollInterval, watch); err != nil {
		return f.abortStart(ctx, f.describeStartFailure(err))
	}
	if err := f.confirmStarted(ctx, started.Add(f.cfg.StartTimeout)); err != nil {
		return f.abortStart(ctx, f.describeStartFailure(err))
	}
	telemetry.RecordStartup(ctx, time.Since(started), attribute.Int("pgtest.port", f.port))
	f.state = StateServerReady

	if _, err := f.createDatabase(ctx, f.cfg.Database); err != nil {
		return f.abortStart(ctx, wrapStartupError("creating database", err))
	}
	f.state = StateDatabaseCreated

	f.state = StateRunning
	f.cfg.Logf("Server started: %s", f.URL())
	return nil
}

// confirmStarted checks that the server accepting connections on the port
// is the one started on the fixture's data directory. pg_ctl start waits for
// its server, so it must have exited cleanly, and pg_ctl status must report
// the data directory as running.
func (f *Fixture) confirmStarted(ctx context.Context, deadline time.Time) error {
	select {
	case <-f.startDone:
	default:
		wait := max(time.Until(deadline), confirmGrace)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-f.startDone:
		case <-timer.C:
			return fmt.Errorf("%w: %s start still running %s after the port accepted connections", ErrStartTimeout, PgCtlName, wait)
		case <-ctx.Done():
			return wrapStartupError("waiting for "+PgCtlName+" start", ctx.Err())
		}
	}
	if f.startErr != nil {
		return fmt.Errorf("%w: %s start exited: %w", ErrStartup, PgCtlName, f.startErr)
	}
	running, err := f.ctl.IsServerRunning(ctx, f.dataDir)
	if err != nil {
		return wrapStartupError("checking server status", err)
	}
	if !running {
		return fmt.Errorf("%w: port %d accepts connections but no server is running on %s", ErrStartup, f.port, f.dataDir)
	}
	return nil
}

// describeStartFailure adds the control executable's result and the tail of
// the server log to a readiness error.
func (f *Fixture) describeStartFailure(err error) error {
	var details []string
	select {
	case <-f.startDone:
		if f.startErr != nil {
			details = append(details, fmt.Sprintf("%s start: %v", PgCtlName, f.startErr))
		}
		if out := strings.TrimSpace(f.startOutput.String()); out != "" {
			details = append(details, out)
		}
	default:
	}
	if tail := f.logTail(logTailLines); tail != "" {
		details = append(details, "server log:\n"+tail)
	}
	if len(details) == 0 {
		return err
	}
	return fmt.Errorf("%w\n%s", err, strings.Join(details, "\n"))
}

// abortStart tears down a fixture whose start failed.
func (f *Fixture) abortStart(ctx context.Context, err error) error {
	f.cfg.Logf("Server failed to start: %v", err)
	if f.startCmd != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortStopTimeout)
		_ = f.ctl.Stop(stopCtx, f.dataDir)
		cancel()
		f.reap()
	}
	return f.fail(ctx, "start", err)
}

// fail moves the fixture to StateFailed and cleans up.
func (f *Fixture) fail(ctx context.Context, phase string, err error) error {
	f.state = StateFailed
	telemetry.RecordFailure(ctx, phase)
	f.Cleanup()
	return err
}

// reap waits for the start command to exit, killing it if it lingers.
func (f *Fixture) reap() {
	if f.startCmd == nil {
		return
	}
	select {
	case <-f.startDone:
	case <-time.After(reapTimeout):
		_ = f.startCmd.Process.Kill()
		<-f.startDone
	}
	f.startCmd = nil
}

// CreateDatabase creates name unless it already exists. The server must be
// running.
func (f *Fixture) CreateDatabase(ctx context.Context, name string) error {
	switch f.state {
	case StateServerReady, StateDatabaseCreated, StateRunning:
	default:
		return fmt.Errorf("%w: cannot create database in state %s", ErrStartup, f.state)
	}
	_, err := f.createDatabase(ctx, name)
	return err
}

func (f *Fixture) createDatabase(ctx context.Context, name string) (created bool, err error) {
	if err := ValidateIdentifier("database", name); err != nil {
		return false, err
	}
	ctx, span := telemetry.StartSpan(ctx, "create_database", append(f.attrs(), attribute.String("pgtest.database", name))...)
	defer func() { telemetry.EndSpan(span, err) }()

	created, err = createDatabase(ctx, f.Params().WithDatabase(AdminDatabase), name)
	if err != nil {
		return false, err
	}
	if created {
		f.cfg.Logf("Created database %s", name)
	}
	return created, nil
}

// Stop shuts the server down in fast mode. Diagnostics from the control
// executable are an ErrShutdown error, after which the working tree is
// removed. Stopping a fixture that was never started is a no-op.
func (f *Fixture) Stop(ctx context.Context) (err error) {
	switch f.state {
	case StateUninitialized, StateDirectoriesReady, StateInitialized,
		StateStopped, StateCleanedUp, StateFailed:
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "stop", f.attrs()...)
	defer func() { telemetry.EndSpan(span, err) }()

	f.state = StateStopping
	if err := f.ctl.Stop(ctx, f.dataDir); err != nil {
		if tail := f.logTail(logTailLines); tail != "" {
			f.cfg.Logf("server log:\n%s", tail)
		}
		f.reap()
		return f.fail(ctx, "stop", err)
	}
	f.reap()
	f.state = StateStopped
	f.cfg.Logf("Server stopped")
	return nil
}

// Close stops the server and removes the working tree. It is the
// counterpart of Run and may be called more than once.
func (f *Fixture) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	err := f.Stop(ctx)
	f.Cleanup()
	return err
}

// Cleanup removes the working tree unless Config.NoCleanup is set, and
// releases the port reservation. It runs at most once and ignores paths
// that are already gone. The log file is kept when it lives outside the
// working tree.
func (f *Fixture) Cleanup() {
	f.cleanupOnce.Do(func() {
		f.releasePort()
		if f.cfg.NoCleanup {
			f.cfg.Logf("Leaving %s in place", f.baseDir)
			return
		}
		if err := os.RemoveAll(f.baseDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.cfg.Logf("Removing %s: %v", f.baseDir, err)
		}
		if f.state != StateFailed {
			f.state = StateCleanedUp
		}
	})
}

// IsServerRunning reports whether the fixture's server is running.
func (f *Fixture) IsServerRunning(ctx context.Context) (bool, error) {
	return f.ctl.IsServerRunning(ctx, f.dataDir)
}

// LogContents returns the server log.
func (f *Fixture) LogContents() (string, error) {
	data, err := os.ReadFile(f.logFile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *Fixture) logTail(n int) string {
	contents, err := f.LogContents()
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(contents, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (f *Fixture) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pgtest.fixture.id", f.id),
		attribute.Int("pgtest.port", f.port),
	}
}

// ID uniquely identifies the fixture in logs and traces.
func (f *Fixture) ID() string { return f.id }

// State returns the fixture's lifecycle state.
func (f *Fixture) State() State { return f.state }

// Port returns the listen port.
func (f *Fixture) Port() int { return f.port }

// BaseDir returns the root of the working tree.
func (f *Fixture) BaseDir() string { return f.baseDir }

// DataDir returns the server data directory.
func (f *Fixture) DataDir() string { return f.dataDir }

// SocketDir returns the Unix domain socket directory, or "" on Windows.
func (f *Fixture) SocketDir() string { return f.socketDir }

// LogFile returns the server log path.
func (f *Fixture) LogFile() string { return f.logFile }

// Username returns the superuser name.
func (f *Fixture) Username() string { return f.cfg.Username }

// Database returns the caller's database name.
func (f *Fixture) Database() string { return f.cfg.Database }

// PgCtl returns the control executable path.
func (f *Fixture) PgCtl() string { return f.ctl.PgCtl }

// NoCleanup reports whether Close leaves the working tree in place.
func (f *Fixture) NoCleanup() bool { return f.cfg.NoCleanup }

// Params returns the connection parameters of the caller's database.
func (f *Fixture) Params() ConnParams {
	return ConnParams{Host: Host, Port: f.port, User: f.cfg.Username, Database: f.cfg.Database}
}

// URL returns postgresql://user@localhost:port/database.
func (f *Fixture) URL() string { return f.Params().URL() }

// ConnConfig returns a pgx config for the caller's database.
func (f *Fixture) ConnConfig() (*pgx.ConnConfig, error) { return f.Params().ConnConfig() }

// Connect opens a pgx connection to the caller's database.
func (f *Fixture) Connect(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := f.ConnConfig()
	if err != nil {
		return nil, err
	}
	return pgx.ConnectConfig(ctx, cfg)
}

// OpenDB returns a database/sql handle for the caller's database.
func (f *Fixture) OpenDB() (*sql.DB, error) {
	cfg, err := f.ConnConfig()
	if err != nil {
		return nil, err
	}
	return stdlib.OpenDB(*cfg), nil
}

func (f *Fixture) String() string {
	return fmt.Sprintf("Fixture(id=%s, url=%s, state=%s, data_dir=%s, pg_ctl=%s, no_cleanup=%t)",
		f.id, f.URL(), f.state, f.dataDir, f.ctl.PgCtl, f.cfg.NoCleanup)
}
