package wsserver

import (
	"context"
	"time"
)

// stallMonitor watches a connection's outbox for catastrophic
// backpressure: the buffered byte count staying above threshold for the
// whole stall window. A transient spike above the threshold resets as
// soon as the buffer dips below it; only a sustained stall trips.
type stallMonitor struct {
	outbox    *Outbox
	threshold int64
	window    time.Duration
	nowFn     func() time.Time // injectable clock for testing
	onTrip    func()
}

func (m *stallMonitor) run(ctx context.Context) {
	poll := m.window / 10
	if poll <= 0 || poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var stalledSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.outbox.Closed() {
			return
		}
		if m.outbox.Bytes() <= m.threshold {
			stalledSince = time.Time{}
			continue
		}
		now := m.nowFn()
		if stalledSince.IsZero() {
			stalledSince = now
			continue
		}
		if now.Sub(stalledSince) >= m.window {
			m.onTrip()
			return
		}
	}
}
