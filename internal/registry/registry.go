// Package registry owns terminal process handles: it spawns PTY-backed
// shells and coding-CLI sessions, relays their raw output to a
// registered per-terminal handler, and tracks lifecycle state. It is the
// sole writer of terminal process state; all other components reach
// terminals through its operations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freshell/freshell/internal/protocol"
)

// Terminal lifecycle states.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// ErrNotFound is returned for operations on unknown terminal ids.
var ErrNotFound = errors.New("terminal not found")

// ErrExited is returned for input/resize on a terminal whose process has
// ended.
var ErrExited = errors.New("terminal has exited")

// Info is the read-only view of a terminal handed to other components.
type Info struct {
	ID              string
	Mode            string
	Status          string
	ResumeSessionID string
	ExitCode        int
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// Spec describes a terminal to create. OnOutput and OnExit are the
// explicit output subscription for this terminal; they are invoked from
// the terminal's read goroutine and torn down when the terminal is
// removed. Prepare, when set, runs with the assigned id before the first
// byte of output can be produced.
type Spec struct {
	Mode            string
	Shell           string
	Cwd             string
	ResumeSessionID string
	Cols            int
	Rows            int

	Prepare  func(terminalID string)
	OnOutput func(terminalID string, data []byte)
	OnExit   func(terminalID string, exitCode int)
}

// terminal is the registry-owned state of one process session.
type terminal struct {
	id              string
	mode            string
	shell           string
	cwd             string
	resumeSessionID string

	cmd  *exec.Cmd
	ptmx *os.File

	onOutput func(string, []byte)
	onExit   func(string, int)

	mu           sync.Mutex
	status       string
	exitCode     int
	createdAt    time.Time
	lastActivity time.Time
	done         chan struct{}
}

func (t *terminal) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *terminal) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:              t.id,
		Mode:            t.mode,
		Status:          t.status,
		ResumeSessionID: t.resumeSessionID,
		ExitCode:        t.exitCode,
		CreatedAt:       t.createdAt,
		LastActivityAt:  t.lastActivity,
	}
}

// Config holds registry settings.
type Config struct {
	// DefaultShell is the command for mode=shell terminals when the
	// create names none.
	DefaultShell string
}

// Registry tracks all live terminals.
type Registry struct {
	mu        sync.RWMutex
	terminals map[string]*terminal
	cfg       Config
	db        *gorm.DB // optional; nil disables persistence
}

// New creates a Registry. db may be nil (no persistence, used in tests).
func New(db *gorm.DB, cfg Config) *Registry {
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/bash"
	}
	return &Registry{
		terminals: make(map[string]*terminal),
		cfg:       cfg,
		db:        db,
	}
}

// buildCommand maps a terminal mode to the process to spawn. Agent modes
// resume their prior session when a resume id survives resolution.
func (r *Registry) buildCommand(spec Spec) *exec.Cmd {
	var cmd *exec.Cmd
	switch spec.Mode {
	case protocol.ModeShell:
		shell := spec.Shell
		if shell == "" {
			shell = r.cfg.DefaultShell
		}
		cmd = exec.Command(shell)
	case protocol.ModeClaude:
		if spec.ResumeSessionID != "" {
			cmd = exec.Command("claude", "--resume", spec.ResumeSessionID)
		} else {
			cmd = exec.Command("claude")
		}
	case protocol.ModeCodex:
		if spec.ResumeSessionID != "" {
			cmd = exec.Command("codex", "resume", spec.ResumeSessionID)
		} else {
			cmd = exec.Command("codex")
		}
	default: // gemini, opencode
		if spec.ResumeSessionID != "" {
			cmd = exec.Command(spec.Mode, "--resume", spec.ResumeSessionID)
		} else {
			cmd = exec.Command(spec.Mode)
		}
	}
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd
}

// Create spawns a terminal per spec and starts relaying its output. The
// context only gates the spawn itself: once Create returns, the terminal
// runs until it exits or is killed.
func (r *Registry) Create(ctx context.Context, spec Spec) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, fmt.Errorf("create terminal: %w", err)
	}

	cols, rows := spec.Cols, spec.Rows
	if cols < protocol.MinCols || cols > protocol.MaxCols {
		cols = 80
	}
	if rows < protocol.MinRows || rows > protocol.MaxRows {
		rows = 24
	}

	cmd := r.buildCommand(spec)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return Info{}, fmt.Errorf("start pty: %w", err)
	}

	now := time.Now()
	t := &terminal{
		id:              uuid.New().String(),
		mode:            spec.Mode,
		shell:           spec.Shell,
		cwd:             spec.Cwd,
		resumeSessionID: spec.ResumeSessionID,
		cmd:             cmd,
		ptmx:            ptmx,
		onOutput:        spec.OnOutput,
		onExit:          spec.OnExit,
		status:          StatusRunning,
		createdAt:       now,
		lastActivity:    now,
		done:            make(chan struct{}),
	}

	r.mu.Lock()
	r.terminals[t.id] = t
	r.mu.Unlock()

	r.persistCreate(t, cols, rows)

	if spec.Prepare != nil {
		spec.Prepare(t.id)
	}
	go r.readLoop(t)

	log.Printf("[registry] created terminal %s (mode=%s resume=%q)", t.id, t.mode, t.resumeSessionID)
	return t.info(), nil
}

// readLoop relays PTY output to the terminal's subscription until the
// process ends, then reports the exit.
func (r *Registry) readLoop(t *terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.touch()
			if t.onOutput != nil {
				t.onOutput(t.id, data)
			}
		}
		if err != nil {
			break
		}
	}

	_ = t.ptmx.Close()
	exitCode := 0
	if err := t.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	t.mu.Lock()
	t.status = StatusExited
	t.exitCode = exitCode
	t.lastActivity = time.Now()
	t.mu.Unlock()
	close(t.done)

	r.persistExit(t, exitCode)
	log.Printf("[registry] terminal %s exited (code=%d)", t.id, exitCode)

	if t.onExit != nil {
		t.onExit(t.id, exitCode)
	}
}

func (r *Registry) get(id string) (*terminal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.terminals[id]
	return t, ok
}

// Get returns the terminal's current info.
func (r *Registry) Get(id string) (Info, bool) {
	t, ok := r.get(id)
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Input writes client keystrokes to the terminal.
func (r *Registry) Input(id string, data []byte) error {
	t, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	t.mu.Lock()
	running := t.status == StatusRunning
	t.mu.Unlock()
	if !running {
		return ErrExited
	}
	t.touch()
	if _, err := t.ptmx.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize changes the terminal's window size.
func (r *Registry) Resize(id string, cols, rows int) error {
	t, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	t.mu.Lock()
	running := t.status == StatusRunning
	t.mu.Unlock()
	if !running {
		return ErrExited
	}
	t.touch()
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	r.persistResize(t, cols, rows)
	return nil
}

// Kill terminates the terminal's process. Exit is reported through the
// normal read-loop path.
func (r *Registry) Kill(id string) error {
	t, ok := r.get(id)
	if !ok {
		return ErrNotFound
	}
	t.mu.Lock()
	running := t.status == StatusRunning
	t.mu.Unlock()
	if !running {
		return nil
	}
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}

// List returns info for all tracked terminals.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.terminals))
	for _, t := range r.terminals {
		infos = append(infos, t.info())
	}
	return infos
}

// Remove stops tracking a terminal, killing it first if still running,
// and tears down its output subscription.
func (r *Registry) Remove(id string) {
	t, ok := r.get(id)
	if !ok {
		return
	}
	t.mu.Lock()
	running := t.status == StatusRunning
	t.mu.Unlock()
	if running {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.done
	}

	r.mu.Lock()
	delete(r.terminals, id)
	r.mu.Unlock()
}

// Done returns a channel closed when the terminal's process ends.
func (r *Registry) Done(id string) (<-chan struct{}, bool) {
	t, ok := r.get(id)
	if !ok {
		return nil, false
	}
	return t.done, true
}
