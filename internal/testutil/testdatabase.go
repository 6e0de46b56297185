package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jamesnunn/pgtest/internal/pgserver"
)

// databasePrefix is the prefix for all test databases, used for cleanup.
const databasePrefix = "test_"

// maxTestNameLen keeps generated names under the 63 byte identifier limit.
const maxTestNameLen = 40

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_]`)

// sanitizeTestName converts a test name to an identifier-safe string.
func sanitizeTestName(name string) string {
	name = strings.ToLower(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if len(name) > maxTestNameLen {
		name = name[:maxTestNameLen]
	}
	return name
}

// StartTestDatabase creates an isolated database on the shared server for a
// single test and drops it when the test finishes. It returns the
// connection parameters of the new database.
func StartTestDatabase(t testing.TB, srv *TestServer) pgserver.ConnParams {
	t.Helper()

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("StartTestDatabase: failed to generate random bytes: %v", err)
	}
	name := databasePrefix + sanitizeTestName(t.Name()) + "_" + hex.EncodeToString(buf)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.CreateDatabase(ctx, name); err != nil {
		t.Fatalf("StartTestDatabase: creating %s: %v", name, err)
	}
	t.Cleanup(func() {
		dropDatabases(srv.Params(), name)
	})
	return srv.Params().WithDatabase(name)
}

// CleanTestDatabases drops test databases left by crashed tests. Call this
// in TestMain after StartTestServer.
func CleanTestDatabases(srv *TestServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := connectAdmin(ctx, srv.Params())
	if err != nil {
		return
	}
	rows, err := conn.Query(ctx, `SELECT datname FROM pg_database WHERE datname LIKE 'test\_%'`)
	if err != nil {
		_ = conn.Close(ctx)
		return
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	_ = conn.Close(ctx)
	if err != nil {
		return
	}
	dropDatabases(srv.Params(), names...)
}

func dropDatabases(params pgserver.ConnParams, names ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := connectAdmin(ctx, params)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(context.Background()) }()
	for _, name := range names {
		_, _ = conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{name}.Sanitize()))
	}
}

func connectAdmin(ctx context.Context, params pgserver.ConnParams) (*pgx.Conn, error) {
	cfg, err := params.WithDatabase(pgserver.AdminDatabase).ConnConfig()
	if err != nil {
		return nil, err
	}
	return pgx.ConnectConfig(ctx, cfg)
}
