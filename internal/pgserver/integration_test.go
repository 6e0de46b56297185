package pgserver_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jamesnunn/pgtest/internal/pgserver"
	"github.com/jamesnunn/pgtest/internal/testutil"
)

var testSrv *testutil.TestServer

func TestMain(m *testing.M) {
	srv, cleanup := testutil.StartTestServer("pgtest-pgserver-*")
	testSrv = srv
	if srv != nil {
		testutil.CleanTestDatabases(srv)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func requireServer(t *testing.T) *testutil.TestServer {
	t.Helper()
	testutil.SkipIfNoPostgres(t)
	if testSrv == nil {
		t.Skip("shared test server did not start")
	}
	return testSrv
}

func realConfig(t *testing.T) pgserver.Config {
	t.Helper()
	cfg := pgserver.DefaultConfig()
	cfg.StartTimeout = 60 * time.Second
	cfg.Logf = t.Logf
	return cfg
}

func queryInt(t *testing.T, params pgserver.ConnParams, sql string) int {
	t.Helper()
	ctx := context.Background()
	cfg, err := params.ConnConfig()
	require.NoError(t, err)
	conn, err := pgx.ConnectConfig(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close(ctx)
	var n int
	require.NoError(t, conn.QueryRow(ctx, sql).Scan(&n))
	return n
}

func TestRunAndClose(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	ctx := context.Background()
	cfg := realConfig(t)
	cfg.Database = "app_test"

	f, err := pgserver.Run(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, pgserver.StateRunning, f.State())
	running, err := f.IsServerRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 1, queryInt(t, f.Params(), "SELECT 1"))

	db, err := f.OpenDB()
	require.NoError(t, err)
	var current string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT current_database()").Scan(&current))
	assert.Equal(t, "app_test", current)
	require.NoError(t, db.Close())

	dataDir := f.DataDir()
	require.NoError(t, f.Close())
	assert.Equal(t, pgserver.StateCleanedUp, f.State())
	_, err = os.Stat(f.BaseDir())
	assert.True(t, os.IsNotExist(err), "base dir should be removed")

	running, err = pgserver.IsServerRunning(ctx, dataDir)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestSharedServerCreateDatabase(t *testing.T) {
	srv := requireServer(t)
	ctx := context.Background()

	params := testutil.StartTestDatabase(t, srv)
	// Creating an existing database is a no-op.
	require.NoError(t, srv.CreateDatabase(ctx, params.Database))
	assert.Equal(t, 1, queryInt(t, params, "SELECT 1"))

	n := queryInt(t, srv.Params(), fmt.Sprintf("SELECT count(*) FROM pg_database WHERE datname = '%s'", params.Database))
	assert.Equal(t, 1, n)
}

func TestSharedServerConnect(t *testing.T) {
	srv := requireServer(t)
	ctx := context.Background()

	conn, err := srv.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	var user string
	require.NoError(t, conn.QueryRow(ctx, "SELECT current_user").Scan(&user))
	assert.Equal(t, pgserver.DefaultUsername, user)
}

func TestCopyFromStoppedServer(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	ctx := context.Background()

	srcCfg := realConfig(t)
	src, err := pgserver.Run(ctx, srcCfg)
	require.NoError(t, err)
	defer src.Close()

	conn, err := src.Connect(ctx)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE TABLE seeded (id int); INSERT INTO seeded VALUES (1), (2), (3)")
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))
	require.NoError(t, src.Stop(ctx))

	cfg := realConfig(t)
	cfg.CopyFrom = src.DataDir()
	clone, err := pgserver.Run(ctx, cfg)
	require.NoError(t, err)
	defer clone.Close()

	assert.NotEqual(t, src.DataDir(), clone.DataDir())
	assert.Equal(t, 3, queryInt(t, clone.Params(), "SELECT count(*) FROM seeded"))
}

func TestConcurrentFixtures(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	ctx := context.Background()

	const n = 3
	fixtures := make([]*pgserver.Fixture, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			f, err := pgserver.Run(gctx, realConfig(t))
			fixtures[i] = f
			return err
		})
	}
	err := g.Wait()
	for _, f := range fixtures {
		if f != nil {
			defer f.Close()
		}
	}
	require.NoError(t, err)

	ports := make(map[int]bool)
	for _, f := range fixtures {
		assert.False(t, ports[f.Port()], "duplicate port %d", f.Port())
		ports[f.Port()] = true
		assert.Equal(t, 1, queryInt(t, f.Params(), "SELECT 1"))
	}
}

func TestNoCleanupLeavesStoppedServer(t *testing.T) {
	testutil.SkipIfNoPostgres(t)
	ctx := context.Background()
	cfg := realConfig(t)
	cfg.BaseDir = t.TempDir()
	cfg.NoCleanup = true

	f, err := pgserver.Run(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	valid, err := pgserver.IsValidInstanceDir(ctx, f.DataDir())
	require.NoError(t, err)
	assert.True(t, valid)
	running, err := pgserver.IsServerRunning(ctx, f.DataDir())
	require.NoError(t, err)
	assert.False(t, running)
}
