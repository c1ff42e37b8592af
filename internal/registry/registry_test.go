package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freshell/freshell/internal/protocol"
)

// collector gathers output callbacks from a terminal's read loop.
type collector struct {
	mu   sync.Mutex
	buf  []byte
	exit chan int
}

func newCollector() *collector {
	return &collector{exit: make(chan int, 1)}
}

func (c *collector) onOutput(id string, data []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	c.mu.Unlock()
}

func (c *collector) onExit(id string, code int) {
	c.exit <- code
}

func (c *collector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *collector) waitOutput(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.output(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for output %q, have %q", substr, c.output())
}

func (c *collector) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-c.exit:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
		return 0
	}
}

func testRegistry() *Registry {
	return New(nil, Config{DefaultShell: "/bin/sh"})
}

func createShell(t *testing.T, r *Registry, col *collector) Info {
	t.Helper()
	info, err := r.Create(context.Background(), Spec{
		Mode:     protocol.ModeShell,
		Shell:    "/bin/sh",
		OnOutput: col.onOutput,
		OnExit:   col.onExit,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { r.Remove(info.ID) })
	return info
}

func TestCreateAndEcho(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	info := createShell(t, r, col)

	if info.Status != StatusRunning {
		t.Fatalf("status: got %q, want running", info.Status)
	}
	if err := r.Input(info.ID, []byte("echo terminal-alive\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	col.waitOutput(t, "terminal-alive")
}

func TestPrepareRunsBeforeOutput(t *testing.T) {
	r := testRegistry()
	col := newCollector()

	var prepared string
	var preparedAt, firstOutput time.Time
	var mu sync.Mutex

	info, err := r.Create(context.Background(), Spec{
		Mode:  protocol.ModeShell,
		Shell: "/bin/sh",
		Prepare: func(id string) {
			mu.Lock()
			prepared = id
			preparedAt = time.Now()
			mu.Unlock()
		},
		OnOutput: func(id string, data []byte) {
			mu.Lock()
			if firstOutput.IsZero() {
				firstOutput = time.Now()
			}
			mu.Unlock()
			col.onOutput(id, data)
		},
		OnExit: col.onExit,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer r.Remove(info.ID)

	r.Input(info.ID, []byte("echo hi\n"))
	col.waitOutput(t, "hi")

	mu.Lock()
	defer mu.Unlock()
	if prepared != info.ID {
		t.Fatalf("prepare id: got %q, want %q", prepared, info.ID)
	}
	if !firstOutput.IsZero() && firstOutput.Before(preparedAt) {
		t.Fatal("output delivered before Prepare ran")
	}
}

func TestExitReporting(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	info := createShell(t, r, col)

	if err := r.Input(info.ID, []byte("exit 3\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	if code := col.waitExit(t); code != 3 {
		t.Fatalf("exit code: got %d, want 3", code)
	}

	got, ok := r.Get(info.ID)
	if !ok {
		t.Fatal("terminal gone after exit; exited terminals stay listed")
	}
	if got.Status != StatusExited || got.ExitCode != 3 {
		t.Fatalf("info after exit: got status=%q code=%d", got.Status, got.ExitCode)
	}

	// Input and resize on an exited terminal are rejected.
	if err := r.Input(info.ID, []byte("x")); err != ErrExited {
		t.Fatalf("input after exit: got %v, want ErrExited", err)
	}
	if err := r.Resize(info.ID, 80, 24); err != ErrExited {
		t.Fatalf("resize after exit: got %v, want ErrExited", err)
	}
}

func TestKill(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	info := createShell(t, r, col)

	if err := r.Kill(info.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	col.waitExit(t)

	// Killing an already-exited terminal is a no-op.
	if err := r.Kill(info.ID); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
}

func TestOperationsOnUnknownTerminal(t *testing.T) {
	r := testRegistry()
	if err := r.Input("nope", []byte("x")); err != ErrNotFound {
		t.Fatalf("input: got %v, want ErrNotFound", err)
	}
	if err := r.Resize("nope", 80, 24); err != ErrNotFound {
		t.Fatalf("resize: got %v, want ErrNotFound", err)
	}
	if err := r.Kill("nope"); err != ErrNotFound {
		t.Fatalf("kill: got %v, want ErrNotFound", err)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("get: found unknown terminal")
	}
}

func TestResize(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	info := createShell(t, r, col)

	if err := r.Resize(info.ID, 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

func TestList(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	a := createShell(t, r, col)
	b := createShell(t, r, newCollector())

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("list: got %d, want 2", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("list missing terminals: %v", seen)
	}
}

func TestRemoveKillsRunning(t *testing.T) {
	r := testRegistry()
	col := newCollector()
	info := createShell(t, r, col)

	r.Remove(info.ID)
	if _, ok := r.Get(info.ID); ok {
		t.Fatal("terminal still tracked after remove")
	}
}

func TestCreateCancelledContext(t *testing.T) {
	r := testRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Create(ctx, Spec{Mode: protocol.ModeShell, Shell: "/bin/sh"}); err == nil {
		t.Fatal("create with cancelled context succeeded")
	}
}
