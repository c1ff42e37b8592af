package wsserver

import (
	"testing"
	"time"
)

func TestCreateLimiterAllowsWithinLimit(t *testing.T) {
	l := newCreateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.allow() {
			t.Fatalf("attempt %d denied within limit", i+1)
		}
	}
	if l.allow() {
		t.Fatal("attempt over limit allowed")
	}
}

func TestCreateLimiterSlidingWindow(t *testing.T) {
	now := time.Now()
	l := newCreateLimiter(2, time.Minute)
	l.nowFn = func() time.Time { return now }

	if !l.allow() || !l.allow() {
		t.Fatal("initial attempts denied")
	}
	if l.allow() {
		t.Fatal("third attempt allowed inside window")
	}

	// Advance past the window: old attempts age out.
	now = now.Add(61 * time.Second)
	if !l.allow() {
		t.Fatal("attempt denied after window slid")
	}
}

func TestCreateLimiterDisabled(t *testing.T) {
	l := newCreateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.allow() {
			t.Fatal("zero limit should disable rate limiting")
		}
	}
}
