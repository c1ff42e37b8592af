package wsserver

import (
	"context"
	"time"
)

// DrainResult is the tri-state outcome of a bounded drain wait.
type DrainResult int

const (
	// DrainOK: the buffer dropped below the threshold.
	DrainOK DrainResult = iota
	// DrainTimedOut: the timeout elapsed first.
	DrainTimedOut
	// DrainCancelled: the context was cancelled or the connection
	// closed; the caller should abandon the pending send.
	DrainCancelled
)

// WaitForDrain polls the outbox until its buffered byte count drops
// below threshold. It is used before large non-streaming sends (bulk
// listings) so they do not pile onto an already-backed-up transport.
// Cancellation via ctx lets a newer in-flight broadcast supersede an
// older one.
func WaitForDrain(ctx context.Context, o *Outbox, threshold int64, poll, timeout time.Duration) DrainResult {
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if o.Closed() {
			return DrainCancelled
		}
		if o.Bytes() < threshold {
			return DrainOK
		}
		select {
		case <-ctx.Done():
			return DrainCancelled
		case <-deadline.C:
			return DrainTimedOut
		case <-ticker.C:
		}
	}
}
