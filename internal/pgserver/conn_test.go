package pgserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnParams(t *testing.T) {
	p := ConnParams{Host: Host, Port: 5433, User: "alice", Database: "app_test"}

	assert.Equal(t, "postgresql://alice@localhost:5433/app_test", p.URL())
	assert.Equal(t, "host=localhost port=5433 user=alice dbname=app_test", p.KeywordValue())
	assert.Equal(t, map[string]string{
		"host":     "localhost",
		"port":     "5433",
		"user":     "alice",
		"database": "app_test",
	}, p.Map())

	admin := p.WithDatabase(AdminDatabase)
	assert.Equal(t, "postgres", admin.Database)
	assert.Equal(t, "app_test", p.Database, "WithDatabase must not modify the receiver")

	cfg, err := p.ConnConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, uint16(5433), cfg.Port)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "app_test", cfg.Database)
	assert.Nil(t, cfg.TLSConfig)
}

func unusedPort(t *testing.T) int {
	t.Helper()
	port, err := NewPortAllocator().BindUnusedPort()
	require.NoError(t, err)
	return port
}

func TestWaitForReadyTimeout(t *testing.T) {
	params := ConnParams{Host: Host, Port: unusedPort(t), User: "postgres", Database: AdminDatabase}

	start := time.Now()
	err := waitForReady(context.Background(), params, 300*time.Millisecond, 50*time.Millisecond, exitStatus{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartTimeout), "got %v", err)
	assert.Less(t, elapsed, 3*time.Second)
}

// A listener that accepts TCP but never speaks the protocol must not stall
// the poll loop past the timeout.
func TestWaitForReadySilentListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	params := ConnParams{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, User: "postgres", Database: AdminDatabase}
	start := time.Now()
	err = waitForReady(context.Background(), params, 500*time.Millisecond, 50*time.Millisecond, exitStatus{})
	assert.ErrorIs(t, err, ErrStartTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func exited(err error) exitStatus {
	done := make(chan struct{})
	close(done)
	return exitStatus{done: done, err: func() error { return err }}
}

func TestWaitForReadyStartExited(t *testing.T) {
	params := ConnParams{Host: Host, Port: unusedPort(t), User: "postgres", Database: AdminDatabase}

	start := time.Now()
	err := waitForReady(context.Background(), params, 5*time.Second, 50*time.Millisecond, exited(errors.New("exit status 1")))
	assert.ErrorIs(t, err, ErrStartup)
	assert.NotErrorIs(t, err, ErrStartTimeout)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Less(t, time.Since(start), time.Second, "a failed start must end the wait at once")
}

// A clean exit is what pg_ctl start does once the server is up, so polling
// goes on until the timeout.
func TestWaitForReadyStartExitedCleanly(t *testing.T) {
	params := ConnParams{Host: Host, Port: unusedPort(t), User: "postgres", Database: AdminDatabase}

	err := waitForReady(context.Background(), params, 300*time.Millisecond, 50*time.Millisecond, exited(nil))
	assert.ErrorIs(t, err, ErrStartTimeout)
}

func TestWaitForReadyCancelled(t *testing.T) {
	params := ConnParams{Host: Host, Port: unusedPort(t), User: "postgres", Database: AdminDatabase}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitForReady(ctx, params, 5*time.Second, 50*time.Millisecond, exitStatus{})
	assert.ErrorIs(t, err, ErrStartup)
	assert.NotErrorIs(t, err, ErrStartTimeout)
}
