package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/freshell/freshell/internal/broker"
	"github.com/freshell/freshell/internal/protocol"
	"github.com/freshell/freshell/internal/registry"
	"github.com/freshell/freshell/internal/session"
)

// connState is the protocol state machine position of one connection.
type connState int

const (
	stateUnauthenticated connState = iota
	stateReady
	stateClosed
)

// maxMessageSize bounds a single inbound message.
const maxMessageSize = 1024 * 1024

// createEntry tracks one idempotent terminal.create on a connection.
// Duplicate requests with the same requestId wait on done and reuse the
// outcome instead of creating a second terminal.
type createEntry struct {
	done       chan struct{}
	terminalID string
	createdAt  time.Time
	resumeID   string
	err        error
}

// Conn handles one WebSocket connection: handshake, message dispatch,
// attach/detach bookkeeping and transport-level backpressure. It is the
// broker's Sink for this client.
type Conn struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	ctx    context.Context
	cancel context.CancelFunc

	outbox *Outbox
	wmu    sync.Mutex // serializes socket writes

	mu         sync.Mutex
	state      connState
	attached   map[string]struct{}
	creates    map[string]*createEntry
	listCancel context.CancelFunc

	limiter   *createLimiter
	closeOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		srv:      srv,
		ctx:      ctx,
		cancel:   cancel,
		outbox:   NewOutbox(),
		attached: make(map[string]struct{}),
		creates:  make(map[string]*createEntry),
		limiter:  newCreateLimiter(srv.cfg.CreateLimit, srv.cfg.CreateWindow),
	}
}

// Sink implementation.

// Send marshals msg and queues it on the outbox.
func (c *Conn) Send(msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.outbox.Push(b)
}

// AwaitDrain blocks until the outbox is below the drain soft limit.
func (c *Conn) AwaitDrain(stop <-chan struct{}) error {
	poll := c.srv.cfg.DrainPollInterval
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if c.outbox.Closed() {
			return ErrOutboxClosed
		}
		if c.outbox.Bytes() < c.srv.cfg.DrainSoftLimitBytes {
			return nil
		}
		select {
		case <-stop:
			return errors.New("attachment stopped")
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-ticker.C:
		}
	}
}

// Done is closed when the connection goes away.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// close tears the connection down exactly once with the given code.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		if c.listCancel != nil {
			c.listCancel()
		}
		c.mu.Unlock()

		c.srv.broker.DetachConn(c.id)
		c.outbox.Close()
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

// run serves the connection until it closes.
func (c *Conn) run() {
	c.ws.SetReadLimit(maxMessageSize)

	go c.writeLoop()

	monitor := &stallMonitor{
		outbox:    c.outbox,
		threshold: c.srv.cfg.CatastrophicBufferBytes,
		window:    c.srv.cfg.StallWindow,
		nowFn:     time.Now,
		onTrip: func() {
			log.Printf("[ws] conn %s: catastrophic backpressure, closing", c.id)
			c.close(protocol.CloseCatastrophic, protocol.ReasonCatastrophic)
		},
	}
	go monitor.run(c.ctx)

	defer c.close(websocket.StatusNormalClosure, "")

	if !c.handshake() {
		return
	}

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// writeLoop drains the outbox to the socket. Bytes stay counted against
// the outbox until each write completes, so a stalled socket shows up as
// sustained buffered bytes.
func (c *Conn) writeLoop() {
	for {
		b, ok := c.outbox.Pop()
		if !ok {
			if c.outbox.Closed() {
				return
			}
			select {
			case <-c.outbox.Notify():
				continue
			case <-c.ctx.Done():
				return
			}
		}
		c.wmu.Lock()
		err := c.ws.Write(c.ctx, websocket.MessageText, b)
		c.wmu.Unlock()
		c.outbox.Release(len(b))
		if err != nil {
			c.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// sendDirect writes msg synchronously, bypassing the outbox. Used for
// errors that immediately precede a close, so they are on the wire
// before the close frame.
func (c *Conn) sendDirect(msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	c.wmu.Lock()
	_ = c.ws.Write(wctx, websocket.MessageText, b)
	c.wmu.Unlock()
}

func (c *Conn) sendError(kind, message, requestID, terminalID string) {
	_ = c.Send(&protocol.Error{
		Type:       protocol.TypeError,
		Code:       kind,
		Message:    message,
		RequestID:  requestID,
		TerminalID: terminalID,
	})
}

func (c *Conn) sendReady() {
	_ = c.Send(&protocol.Ready{
		Type:      protocol.TypeReady,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handshake drives the unauthenticated state: the first message must be
// a hello with the expected protocol version and a valid token. Liveness
// probes are always allowed. Anything else is rejected and the
// connection closed.
func (c *Conn) handshake() bool {
	hctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.HandshakeTimeout)
	defer cancel()

	for {
		_, data, err := c.ws.Read(hctx)
		if err != nil {
			c.close(websocket.StatusNormalClosure, "handshake timeout")
			return false
		}

		env, verr := protocol.DecodeEnvelope(data)
		if verr != nil {
			c.sendDirect(&protocol.Error{Type: protocol.TypeError, Code: verr.Kind, Message: verr.Message})
			c.close(protocol.CloseAuthFailed, "not authenticated")
			return false
		}

		switch env.Type {
		case protocol.TypePing:
			_ = c.Send(&protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
			continue

		case protocol.TypeHello:
			var hello protocol.Hello
			if verr := protocol.Decode(data, &hello); verr != nil {
				c.sendDirect(&protocol.Error{Type: protocol.TypeError, Code: verr.Kind, Message: verr.Message})
				c.close(protocol.CloseAuthFailed, "not authenticated")
				return false
			}
			if hello.ProtocolVersion != protocol.Version {
				c.sendDirect(&protocol.Error{
					Type:    protocol.TypeError,
					Code:    protocol.ErrProtocolMismatch,
					Message: fmt.Sprintf("unsupported protocol version %d, expected %d", hello.ProtocolVersion, protocol.Version),
				})
				c.close(protocol.CloseProtocolMismatch, fmt.Sprintf("expected protocol version %d", protocol.Version))
				return false
			}
			if !c.srv.verifier.Verify(hello.Token) {
				c.sendDirect(&protocol.Error{
					Type:    protocol.TypeError,
					Code:    protocol.ErrNotAuthenticated,
					Message: "invalid token",
				})
				c.close(protocol.CloseAuthFailed, "not authenticated")
				return false
			}
			c.mu.Lock()
			c.state = stateReady
			c.mu.Unlock()
			c.sendReady()
			log.Printf("[ws] conn %s authenticated", c.id)
			return true

		default:
			c.sendDirect(&protocol.Error{
				Type:    protocol.TypeError,
				Code:    protocol.ErrNotAuthenticated,
				Message: "not authenticated",
			})
			c.close(protocol.CloseAuthFailed, "not authenticated")
			return false
		}
	}
}

// dispatch validates and routes one authenticated message. Malformed
// messages produce in-band errors; the connection stays serviceable.
func (c *Conn) dispatch(data []byte) {
	env, verr := protocol.DecodeEnvelope(data)
	if verr != nil {
		c.sendError(verr.Kind, verr.Message, "", "")
		return
	}

	switch env.Type {
	case protocol.TypePing:
		_ = c.Send(&protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})

	case protocol.TypeHello:
		// Repeated handshake is idempotent: re-announce readiness.
		c.sendReady()

	case protocol.TypeTerminalCreate:
		var m protocol.TerminalCreate
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := m.Validate(); verr != nil {
			c.sendError(verr.Kind, verr.Message, m.RequestID, "")
			return
		}
		// Creation can suspend on the session-repair wait; run it off
		// the read loop so the connection stays serviceable.
		go c.handleCreate(m)

	case protocol.TypeTerminalAttach:
		var m protocol.TerminalAttach
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := protocol.ValidTerminalID(m.TerminalID); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", m.TerminalID)
			return
		}
		c.handleAttach(m)

	case protocol.TypeTerminalDetach:
		var m protocol.TerminalDetach
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := protocol.ValidTerminalID(m.TerminalID); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", m.TerminalID)
			return
		}
		if !c.srv.broker.Detach(m.TerminalID, c.id) {
			c.sendError(protocol.ErrTerminalNotFound, "no attachment for terminal", "", m.TerminalID)
			return
		}
		c.mu.Lock()
		delete(c.attached, m.TerminalID)
		c.mu.Unlock()
		_ = c.Send(&protocol.TerminalDetached{Type: protocol.TypeTerminalDetached, TerminalID: m.TerminalID})

	case protocol.TypeTerminalInput:
		var m protocol.TerminalInput
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := m.Validate(); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", m.TerminalID)
			return
		}
		if err := c.srv.registry.Input(m.TerminalID, m.Data); err != nil {
			c.sendError(protocol.ErrTerminalNotFound, err.Error(), "", m.TerminalID)
		}

	case protocol.TypeTerminalResize:
		var m protocol.TerminalResize
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := m.Validate(); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", m.TerminalID)
			return
		}
		if err := c.srv.registry.Resize(m.TerminalID, m.Cols, m.Rows); err != nil {
			c.sendError(protocol.ErrTerminalNotFound, err.Error(), "", m.TerminalID)
		}

	case protocol.TypeTerminalKill:
		var m protocol.TerminalKill
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := protocol.ValidTerminalID(m.TerminalID); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", m.TerminalID)
			return
		}
		if err := c.srv.registry.Kill(m.TerminalID); err != nil {
			c.sendError(protocol.ErrTerminalNotFound, err.Error(), "", m.TerminalID)
		}

	case protocol.TypeTerminalList:
		var m protocol.TerminalList
		if verr := protocol.Decode(data, &m); verr != nil {
			c.sendError(verr.Kind, verr.Message, "", "")
			return
		}
		if verr := m.Validate(); verr != nil {
			c.sendError(verr.Kind, verr.Message, m.RequestID, "")
			return
		}
		c.handleList(m.RequestID)

	default:
		c.sendError(protocol.ErrUnknownMessage, fmt.Sprintf("unknown message type %q", env.Type), "", "")
	}
}

// handleAttach subscribes the connection to a terminal's stream.
func (c *Conn) handleAttach(m protocol.TerminalAttach) {
	if c.ctx.Err() != nil {
		return
	}
	err := c.srv.broker.Attach(m.TerminalID, c.id, c, broker.AttachOptions{
		SinceSeq:        m.SinceSeq,
		AttachRequestID: m.AttachRequestID,
	})
	if err != nil {
		c.sendError(protocol.ErrTerminalNotFound, fmt.Sprintf("terminal %s not found", m.TerminalID), "", m.TerminalID)
		return
	}
	c.mu.Lock()
	if c.state == stateClosed {
		// close() already swept this connection's attachments; one
		// registered after the sweep has to be torn down here.
		c.mu.Unlock()
		c.srv.broker.Detach(m.TerminalID, c.id)
		return
	}
	c.attached[m.TerminalID] = struct{}{}
	c.mu.Unlock()
}

// handleCreate performs an idempotent terminal creation. Duplicate
// requestIds — including concurrent duplicates — resolve to the same
// terminal.
func (c *Conn) handleCreate(m protocol.TerminalCreate) {
	// Duplicates resolve through the idempotency map and are not new
	// creations, so they bypass the rate limit.
	c.mu.Lock()
	if entry, ok := c.creates[m.RequestID]; ok {
		c.mu.Unlock()
		<-entry.done
		if entry.err != nil {
			c.sendError(protocol.ErrCreateFailed, entry.err.Error(), m.RequestID, "")
			return
		}
		_ = c.Send(&protocol.TerminalCreated{
			Type:                     protocol.TypeTerminalCreated,
			RequestID:                m.RequestID,
			TerminalID:               entry.terminalID,
			CreatedAt:                entry.createdAt.UnixMilli(),
			EffectiveResumeSessionID: entry.resumeID,
		})
		return
	}
	entry := &createEntry{done: make(chan struct{})}
	c.creates[m.RequestID] = entry
	c.mu.Unlock()

	if !c.limiter.allow() {
		entry.err = errors.New("terminal creation rate limit exceeded")
		c.mu.Lock()
		delete(c.creates, m.RequestID)
		c.mu.Unlock()
		close(entry.done)
		c.sendError(protocol.ErrRateLimited, "terminal creation rate limit exceeded", m.RequestID, "")
		return
	}

	terminalID, createdAt, resumeID, err := c.createTerminal(m)

	entry.terminalID = terminalID
	entry.createdAt = createdAt
	entry.resumeID = resumeID
	entry.err = err
	if err != nil {
		// Leave retries possible: a failed create does not pin its
		// requestId forever.
		c.mu.Lock()
		delete(c.creates, m.RequestID)
		c.mu.Unlock()
	}
	close(entry.done)

	if err != nil {
		if errors.Is(err, session.ErrCancelled) || c.ctx.Err() != nil {
			return
		}
		c.sendError(protocol.ErrCreateFailed, err.Error(), m.RequestID, "")
		return
	}

	_ = c.Send(&protocol.TerminalCreated{
		Type:                     protocol.TypeTerminalCreated,
		RequestID:                m.RequestID,
		TerminalID:               terminalID,
		CreatedAt:                createdAt.UnixMilli(),
		EffectiveResumeSessionID: resumeID,
	})

	// Creation auto-attaches; output is delivered exclusively through
	// the attach/replay path, never embedded in the create response.
	c.handleAttach(protocol.TerminalAttach{TerminalID: terminalID})
}

// createTerminal resolves session reuse and either attaches to the
// canonical owner or spawns a fresh terminal wired into the broker.
func (c *Conn) createTerminal(m protocol.TerminalCreate) (string, time.Time, string, error) {
	res, err := c.srv.resolver.Resolve(c.ctx, m.Mode, m.ResumeSessionID)
	if err != nil {
		return "", time.Time{}, "", err
	}

	if res.ReuseTerminalID != "" {
		info, ok := c.srv.registry.Get(res.ReuseTerminalID)
		if ok {
			log.Printf("[ws] conn %s reusing terminal %s for session %s", c.id, info.ID, res.EffectiveResumeSessionID)
			return info.ID, info.CreatedAt, res.EffectiveResumeSessionID, nil
		}
		// Owner vanished between resolution and lookup; fall through to
		// a fresh create.
	}

	// The socket disconnecting during the repair wait must not leave an
	// orphaned terminal behind.
	if err := c.ctx.Err(); err != nil {
		return "", time.Time{}, "", session.ErrCancelled
	}

	b := c.srv.broker
	mode := m.Mode
	info, err := c.srv.registry.Create(c.ctx, registry.Spec{
		Mode:            mode,
		Shell:           m.Shell,
		Cwd:             m.Cwd,
		ResumeSessionID: res.EffectiveResumeSessionID,
		Prepare: func(terminalID string) {
			b.Register(terminalID, mode)
		},
		OnOutput: b.Publish,
		OnExit:   b.PublishExit,
	})
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("create terminal: %w", err)
	}

	// The socket can also close while the process is spawning; the fresh
	// terminal must not outlive the request that asked for it.
	if c.ctx.Err() != nil {
		c.srv.registry.Remove(info.ID)
		b.Remove(info.ID)
		return "", time.Time{}, "", session.ErrCancelled
	}
	return info.ID, info.CreatedAt, res.EffectiveResumeSessionID, nil
}

// handleList sends the terminal listing after a bounded drain wait. A
// newer list supersedes an older one still waiting to go out.
func (c *Conn) handleList(requestID string) {
	c.mu.Lock()
	if c.listCancel != nil {
		c.listCancel()
	}
	lctx, cancel := context.WithCancel(c.ctx)
	c.listCancel = cancel
	c.mu.Unlock()

	infos := c.srv.registry.List()
	terminals := make([]protocol.TerminalInfo, 0, len(infos))
	for _, info := range infos {
		terminals = append(terminals, protocol.TerminalInfo{
			TerminalID:      info.ID,
			Mode:            info.Mode,
			Status:          info.Status,
			ResumeSessionID: info.ResumeSessionID,
			CreatedAt:       info.CreatedAt.UnixMilli(),
			LastActivityAt:  info.LastActivityAt.UnixMilli(),
		})
	}

	go func() {
		defer cancel()
		res := WaitForDrain(lctx, c.outbox, c.srv.cfg.DrainSoftLimitBytes,
			c.srv.cfg.DrainPollInterval, c.srv.cfg.DrainTimeout)
		if res == DrainCancelled {
			return
		}
		// Timed out: send anyway, the wait is a courtesy not a gate.
		_ = c.Send(&protocol.TerminalListResponse{
			Type:      protocol.TypeTerminalListRsp,
			RequestID: requestID,
			Terminals: terminals,
		})
	}()
}
