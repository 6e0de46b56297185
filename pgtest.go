// Package pgtest runs disposable PostgreSQL servers for tests.
//
// Each fixture initializes a private data directory, starts a server on an
// unused port, creates a database and removes everything again on Close:
//
//	func TestQueries(t *testing.T) {
//		db := pgtest.StartDB(t, pgtest.WithDatabase("app_test"))
//		// use db...
//	}
//
// Programs that manage fixtures themselves use New and Close:
//
//	f, err := pgtest.New(ctx, pgtest.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//
// The server's pg_ctl is found on PATH, in versioned install directories
// such as /usr/lib/postgresql/16/bin, or through Config.PgCtl.
package pgtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jamesnunn/pgtest/internal/pgserver"
)

type (
	// Config describes one fixture. Zero values take the defaults of
	// DefaultConfig.
	Config = pgserver.Config
	// Fixture is a provisioned server. Release it with Close.
	Fixture = pgserver.Fixture
	// State is a fixture's lifecycle state.
	State = pgserver.State
	// ConnParams are a fixture's client connection parameters.
	ConnParams = pgserver.ConnParams
	// Locator finds PostgreSQL executables.
	Locator = pgserver.Locator
	// PortAllocator hands out unused TCP ports.
	PortAllocator = pgserver.PortAllocator
)

// Error kinds. Every error from this package wraps one of them.
var (
	ErrValidation   = pgserver.ErrValidation
	ErrNotFound     = pgserver.ErrNotFound
	ErrInit         = pgserver.ErrInit
	ErrStartTimeout = pgserver.ErrStartTimeout
	ErrStartup      = pgserver.ErrStartup
	ErrShutdown     = pgserver.ErrShutdown
)

// Lifecycle states reported by Fixture.State.
const (
	StateInitialized = pgserver.StateInitialized
	StateRunning     = pgserver.StateRunning
	StateStopped     = pgserver.StateStopped
	StateCleanedUp   = pgserver.StateCleanedUp
	StateFailed      = pgserver.StateFailed
)

// DefaultConfig returns the default fixture config: user and database
// "postgres", an allocated port, a temporary base directory and a 10 second
// start timeout.
func DefaultConfig() Config { return pgserver.DefaultConfig() }

// New provisions and starts a fixture. On error nothing is left behind.
func New(ctx context.Context, cfg Config) (*Fixture, error) {
	return pgserver.Run(ctx, cfg)
}

// Provision prepares a fixture without starting it; call Start on the
// result.
func Provision(ctx context.Context, cfg Config) (*Fixture, error) {
	return pgserver.Provision(ctx, cfg)
}

// IsValidIdentifier reports whether name is usable as a user or database
// name.
func IsValidIdentifier(name string) bool { return pgserver.IsValidIdentifier(name) }

// IsValidPort reports whether port lies strictly between 1024 and 65535.
func IsValidPort(port int) bool { return pgserver.IsValidPort(port) }

// ParsePort parses and range-checks a port number.
func ParsePort(s string) (int, error) { return pgserver.ParsePort(s) }

// BindUnusedPort returns a port that was free a moment ago. It is not
// reserved; a fixture started later may still receive it.
func BindUnusedPort() (int, error) {
	a := pgserver.NewPortAllocator()
	port, err := a.BindUnusedPort()
	if err != nil {
		return 0, err
	}
	a.Release(port)
	return port, nil
}

// FindProgram returns the absolute path of a PostgreSQL program.
func FindProgram(name string) (string, error) {
	return pgserver.DefaultLocator().Find(name)
}

// IsServerRunning reports whether a server is running on dataDir.
func IsServerRunning(ctx context.Context, dataDir string) (bool, error) {
	return pgserver.IsServerRunning(ctx, dataDir)
}

// IsValidInstanceDir reports whether dir is an initialized data directory.
func IsValidInstanceDir(ctx context.Context, dir string) (bool, error) {
	return pgserver.IsValidInstanceDir(ctx, dir)
}

// Option adjusts the config used by Start and StartDB.
type Option func(*Config)

// WithUsername sets the superuser created by initdb.
func WithUsername(name string) Option {
	return func(c *Config) { c.Username = name }
}

// WithDatabase sets the database created for the test.
func WithDatabase(name string) Option {
	return func(c *Config) { c.Database = name }
}

// WithPort sets a fixed listen port instead of an allocated one.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithBaseDir uses an existing directory for the working tree.
func WithBaseDir(dir string) Option {
	return func(c *Config) { c.BaseDir = dir }
}

// WithLogFile sets the server log path.
func WithLogFile(path string) Option {
	return func(c *Config) { c.LogFile = path }
}

// WithCopyFrom clones an initialized data directory instead of running initdb.
func WithCopyFrom(dataDir string) Option {
	return func(c *Config) { c.CopyFrom = dataDir }
}

// WithPgCtl sets the pg_ctl executable.
func WithPgCtl(path string) Option {
	return func(c *Config) { c.PgCtl = path }
}

// WithMaxConnections sets the server connection limit.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithEncoding sets the default encoding passed to initdb.
func WithEncoding(encoding string) Option {
	return func(c *Config) { c.Encoding = encoding }
}

// WithNoCleanup keeps the working tree after the test.
func WithNoCleanup() Option {
	return func(c *Config) { c.NoCleanup = true }
}

// WithStartTimeout sets how long to wait for the server to accept connections.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Config) { c.StartTimeout = d }
}

func buildConfig(tb testing.TB, opts []Option) Config {
	cfg := DefaultConfig()
	cfg.Logf = tb.Logf
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Start runs a fixture for the duration of tb. Progress goes to tb.Logf and
// the fixture is closed by tb.Cleanup.
func Start(tb testing.TB, opts ...Option) *Fixture {
	tb.Helper()
	f, err := New(context.Background(), buildConfig(tb, opts))
	if err != nil {
		tb.Fatalf("pgtest: %v", err)
	}
	tb.Cleanup(func() {
		if err := f.Close(); err != nil {
			tb.Errorf("pgtest: %v", err)
		}
	})
	return f
}

// StartDB runs a fixture like Start and returns a database/sql handle for
// its database, closed before the fixture is.
func StartDB(tb testing.TB, opts ...Option) *sql.DB {
	tb.Helper()
	f := Start(tb, opts...)
	db, err := f.OpenDB()
	if err != nil {
		tb.Fatalf("pgtest: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}
