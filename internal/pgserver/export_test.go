package pgserver

import (
	"context"
	"time"
)

// SetState forces the lifecycle state, standing in for a server that a fake
// control executable cannot really start.
func (f *Fixture) SetState(s State) { f.state = s }

// WaitForReadyAfterExit runs the readiness loop as if the start process had
// already exited with exitErr.
func WaitForReadyAfterExit(ctx context.Context, params ConnParams, timeout, interval time.Duration, exitErr error) error {
	done := make(chan struct{})
	close(done)
	return waitForReady(ctx, params, timeout, interval, exitStatus{done: done, err: func() error { return exitErr }})
}
