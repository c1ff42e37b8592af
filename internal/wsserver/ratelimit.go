package wsserver

import (
	"sync"
	"time"
)

// createLimiter enforces the per-connection terminal-creation rate
// limit: at most limit creations per rolling window. Exceeding it is a
// recoverable error, never a close.
type createLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	attempts []time.Time
	nowFn    func() time.Time // injectable clock for testing
}

func newCreateLimiter(limit int, window time.Duration) *createLimiter {
	return &createLimiter{
		limit:  limit,
		window: window,
		nowFn:  time.Now,
	}
}

// allow records an attempt and reports whether it is within the limit.
func (l *createLimiter) allow() bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	cutoff := now.Add(-l.window)
	pruned := l.attempts[:0]
	for _, t := range l.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	l.attempts = pruned

	if len(l.attempts) >= l.limit {
		return false
	}
	l.attempts = append(l.attempts, now)
	return true
}
