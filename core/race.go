package core

import (
	"context"
	"time"
)

// First races a wait against a deadline and returns whichever settles
// first. The loser is discarded: the timer is always stopped before
// returning, and a late value on wait is simply never read.
//
// Both blocking points of the orchestration subsystem are built on this
// primitive: connection readiness (open vs. 15 s) and generation
// completion (terminal event vs. 5 min).
//
// The wait channel carries the outcome of the awaited operation: nil for
// success, or the operation's own error. On deadline miss, timeoutErr is
// returned. Context cancellation wins over both.
func First(ctx context.Context, timeout time.Duration, wait <-chan error, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return timeoutErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
