package wsserver

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/freshell/freshell/internal/broker"
	"github.com/freshell/freshell/internal/config"
	"github.com/freshell/freshell/internal/protocol"
	"github.com/freshell/freshell/internal/registry"
	"github.com/freshell/freshell/internal/session"
)

// TerminalRegistry is the registry surface the connection handler needs.
type TerminalRegistry interface {
	Create(ctx context.Context, spec registry.Spec) (registry.Info, error)
	Get(id string) (registry.Info, bool)
	Input(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Kill(id string) error
	Remove(id string)
	List() []registry.Info
}

// TokenVerifier authenticates hello tokens.
type TokenVerifier interface {
	Verify(token string) bool
}

// SessionResolver decides session reuse during terminal creation.
type SessionResolver interface {
	Resolve(ctx context.Context, mode, resumeSessionID string) (session.Resolution, error)
}

// Server accepts WebSocket connections and runs one Conn per client.
type Server struct {
	cfg      config.Settings
	broker   *broker.Broker
	registry TerminalRegistry
	resolver SessionResolver
	verifier TokenVerifier

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer wires the connection handler to its collaborators.
func NewServer(cfg config.Settings, b *broker.Broker, reg TerminalRegistry, res SessionResolver, ver TokenVerifier) *Server {
	return &Server{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		resolver: res,
		verifier: ver,
		conns:    make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it
// closes. The concurrent-connection cap is enforced after the upgrade so
// the rejection arrives as a distinguishable close code rather than an
// opaque HTTP failure.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept failed: %v", err)
		return
	}

	c := newConn(s, ws)
	if !s.admit(c) {
		_ = ws.Close(protocol.CloseTooManyConnections, protocol.ReasonTooManyConnections)
		return
	}
	defer s.release(c)

	log.Printf("[ws] conn %s opened from %s", c.id, r.RemoteAddr)
	c.run()
	log.Printf("[ws] conn %s closed", c.id)
}

func (s *Server) admit(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) release(c *Conn) {
	c.close(websocket.StatusNormalClosure, "")
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// ConnCount reports the number of admitted connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every live connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
