package pgserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// Host is the host name fixtures are reached at.
const Host = "localhost"

// AdminDatabase always exists in a freshly initialized instance. Readiness
// checks and CREATE DATABASE connect here. template1 is avoided because an
// open session on it makes CREATE DATABASE fail.
const AdminDatabase = "postgres"

// attemptTimeout bounds a single trial connection. A port held by something
// that accepts TCP but never answers the startup message would otherwise
// stall the poll loop.
const attemptTimeout = time.Second

// ConnParams are the client connection parameters of a fixture.
type ConnParams struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Database string `json:"database" yaml:"database"`
}

// URL renders the parameters as postgresql://user@host:port/database.
func (p ConnParams) URL() string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.User(p.User),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	return u.String()
}

// Map returns the parameters keyed by their libpq-style names.
func (p ConnParams) Map() map[string]string {
	return map[string]string{
		"host":     p.Host,
		"port":     strconv.Itoa(p.Port),
		"user":     p.User,
		"database": p.Database,
	}
}

// KeywordValue renders the parameters as a libpq keyword/value string.
func (p ConnParams) KeywordValue() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s", p.Host, p.Port, p.User, p.Database)
}

// WithDatabase returns a copy of p connecting to database.
func (p ConnParams) WithDatabase(database string) ConnParams {
	p.Database = database
	return p
}

// ConnConfig parses p into a pgx config. TLS is disabled: fixtures listen
// on loopback only and are initialized without certificates.
func (p ConnParams) ConnConfig() (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(p.URL() + "?sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("parsing connection URL: %w", err)
	}
	return cfg, nil
}

// tryConnect opens and closes one trial connection.
func tryConnect(ctx context.Context, params ConnParams) error {
	cfg, err := params.ConnConfig()
	if err != nil {
		return err
	}
	cfg.ConnectTimeout = attemptTimeout
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// exitStatus watches a child process: done is closed when it exits, after
// which err returns its result. The zero value never exits.
type exitStatus struct {
	done <-chan struct{}
	err  func() error
}

// failed returns the process error if it has already exited unsuccessfully.
func (s exitStatus) failed() error {
	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err()
	default:
		return nil
	}
}

// waitForReady polls until params accepts a connection or timeout elapses.
// It gives up early with ErrStartup when the start process exits with an
// error, since a server answering on the port then belongs to someone else.
func waitForReady(ctx context.Context, params ConnParams, timeout, interval time.Duration, start exitStatus) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), deadlineCtx)
	err := backoff.Retry(func() error {
		if exitErr := start.failed(); exitErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s start exited: %w", ErrStartup, PgCtlName, exitErr))
		}
		lastErr = tryConnect(deadlineCtx, params)
		return lastErr
	}, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStartup) {
		return err
	}
	if ctx.Err() != nil {
		return wrapStartupError("waiting for server", ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w: no connection on port %d after %s: %v", ErrStartTimeout, params.Port, timeout, lastErr)
}

// createDatabase creates name through an autocommit session on the admin
// database unless it already exists. It reports whether it created it.
// A duplicate_database error from a concurrent creator is returned as is.
func createDatabase(ctx context.Context, admin ConnParams, name string) (bool, error) {
	cfg, err := admin.ConnConfig()
	if err != nil {
		return false, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", admin.Database, err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking for database %s: %w", name, err)
	}
	if exists {
		return false, nil
	}
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return false, fmt.Errorf("creating database %s: %w", name, err)
	}
	return true, nil
}
