package pgserver_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesnunn/pgtest/internal/pgserver"
	"github.com/jamesnunn/pgtest/internal/testutil"
)

func newFakeControl(t *testing.T, fc testutil.FakeControl) *pgserver.Control {
	t.Helper()
	pgCtl := testutil.WriteFakeControl(t, fc)
	loc := &pgserver.Locator{Path: t.TempDir(), Roots: []string{}, ExtraDirs: []string{}, NoLocate: true}
	ctl, err := pgserver.NewControl(loc, pgCtl)
	require.NoError(t, err)
	return ctl
}

func TestNewControlPairsExecutables(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	assert.Equal(t, filepath.Dir(ctl.PgCtl), filepath.Dir(ctl.PgControlData))
	assert.Equal(t, "pg_controldata", filepath.Base(ctl.PgControlData))
}

func TestNewControlNotFound(t *testing.T) {
	loc := &pgserver.Locator{Path: t.TempDir(), Roots: []string{}, ExtraDirs: []string{}, NoLocate: true}
	_, err := pgserver.NewControl(loc, "")
	assert.ErrorIs(t, err, pgserver.ErrNotFound)
}

func TestControlInitDB(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{InitWarning: "WARNING: enabling trust authentication"})
	data := filepath.Join(t.TempDir(), "data")
	ctx := context.Background()

	warnings, err := ctl.InitDB(ctx, data, "alice", "UTF8")
	require.NoError(t, err)
	assert.Contains(t, warnings, "trust authentication")

	calls := testutil.FakeCalls(t, ctl.PgCtl)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "initdb -D "+data)
	assert.Contains(t, calls[0], "-U 'alice' -A trust --encoding 'UTF8'")

	valid, err := ctl.IsValidInstanceDir(ctx, data)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestControlInitDBFailure(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{InitFails: true})
	_, err := ctl.InitDB(context.Background(), t.TempDir(), "postgres", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated failure")
}

func TestControlIsValidInstanceDir(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	valid, err := ctl.IsValidInstanceDir(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = ctl.IsValidInstanceDir(context.Background(), testutil.MakeFakeDataDir(t))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestControlStartStopStatus(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	data := t.TempDir()
	ctx := context.Background()

	running, err := ctl.IsServerRunning(ctx, data)
	require.NoError(t, err)
	assert.False(t, running)

	cmd := ctl.StartCommand(data, filepath.Join(data, "log.txt"), pgserver.ServerOptions{
		Port:           5433,
		SocketDir:      filepath.Join(data, "tmp"),
		MaxConnections: 11,
	})
	require.NoError(t, cmd.Run())

	calls := testutil.FakeCalls(t, ctl.PgCtl)
	last := calls[len(calls)-1]
	assert.Contains(t, last, "-F -p 5433 -c logging_collector=off -N 11 -k '"+filepath.Join(data, "tmp")+"'")

	running, err = ctl.IsServerRunning(ctx, data)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, ctl.Stop(ctx, data))
	running, err = ctl.IsServerRunning(ctx, data)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestControlStopDiagnostics(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{StopStderr: "pg_ctl: PID file does not exist"})
	err := ctl.Stop(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgserver.ErrShutdown))
	assert.Contains(t, err.Error(), "PID file does not exist")
}

func TestControlStatusMissingDataDir(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	running, err := ctl.IsServerRunning(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.False(t, running)
}

// An executable that cannot be run at all is an error rather than a status.
func TestControlStatusExecFailure(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	require.NoError(t, os.Remove(ctl.PgCtl))

	running, err := ctl.IsServerRunning(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.False(t, running)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	for _, s := range []error{pgserver.ErrValidation, pgserver.ErrNotFound, pgserver.ErrInit, pgserver.ErrStartTimeout, pgserver.ErrStartup, pgserver.ErrShutdown} {
		assert.NotErrorIs(t, err, s)
	}
}

func TestControlRunsWithCLocale(t *testing.T) {
	ctl := newFakeControl(t, testutil.FakeControl{})
	script := filepath.Join(filepath.Dir(ctl.PgCtl), "pg_ctl")
	body, err := os.ReadFile(script)
	require.NoError(t, err)
	// Record LC_MESSAGES on every invocation.
	patched := strings.Replace(string(body), "cmd=\"$1\"", "echo \"LC_MESSAGES=$LC_MESSAGES\" >> \"$(dirname \"$0\")/calls.log\"\ncmd=\"$1\"", 1)
	require.NoError(t, os.WriteFile(script, []byte(patched), 0755)) //nolint:gosec // test executable

	_, err = ctl.IsServerRunning(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, testutil.FakeCalls(t, ctl.PgCtl), "LC_MESSAGES=C")
}
