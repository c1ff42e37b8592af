// Package broker is the terminal stream broker: it assigns sequence
// ranges to raw terminal output, retains recent frames in a per-terminal
// replay ring, and fans frames out to attached clients through
// byte-budgeted per-attachment queues.
//
// Ordering contract per attachment: terminal.attach.ready is delivered
// first, then replayed frames, then live frames, in non-decreasing
// sequence order with no duplicates; every discontinuity is reported as
// an explicit terminal.output.gap.
package broker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/freshell/freshell/internal/protocol"
)

// ErrUnknownTerminal is returned by Attach for a terminal id the broker
// is not tracking.
var ErrUnknownTerminal = errors.New("unknown terminal")

// Sink is the transport side of one connection, implemented by the
// WebSocket connection handler. The broker never touches the socket
// directly.
type Sink interface {
	// Send queues msg for transport. It fails once the connection is
	// closed.
	Send(msg interface{}) error
	// AwaitDrain blocks until the transport buffer is below its soft
	// limit, stop fires, or the connection closes. A non-nil error means
	// the caller should stop delivering.
	AwaitDrain(stop <-chan struct{}) error
	// Done is closed when the connection goes away.
	Done() <-chan struct{}
}

// Config holds broker byte budgets.
type Config struct {
	// RingBytes is the per-terminal replay ring budget.
	RingBytes int
	// AgentRingFloorBytes is the minimum ring budget for coding-CLI
	// terminal kinds, applied even when RingBytes is smaller.
	AgentRingFloorBytes int
	// QueueBytes is the per-attachment outbound queue budget.
	QueueBytes int
}

// subscriber is one client attachment to one terminal.
type subscriber struct {
	key             string // connection id + terminal id
	terminalID      string
	attachRequestID string
	generation      uint64
	sink            Sink
	q               *outQueue
	stop            chan struct{}
	stopOnce        sync.Once
	sendMu          sync.Mutex // holds supersession off while a Send is in flight
	stopped         atomic.Bool
}

func (s *subscriber) shutdown() {
	s.stopOnce.Do(func() {
		s.sendMu.Lock()
		s.stopped.Store(true)
		s.sendMu.Unlock()
		close(s.stop)
		s.q.close()
	})
}

// pump delivers queued items to the sink in order. One pump goroutine
// runs per attachment; it exits on supersession, detach or connection
// close.
func (s *subscriber) pump() {
	for {
		it, ok := s.q.pop()
		if !ok {
			select {
			case <-s.q.notify:
				continue
			case <-s.stop:
				return
			case <-s.sink.Done():
				return
			}
		}
		if err := s.sink.AwaitDrain(s.stop); err != nil {
			return
		}
		// sendMu keeps the stale check and the delivery atomic: shutdown
		// cannot complete between them, so no item of a superseded
		// generation lands after the replacement's ready.
		s.sendMu.Lock()
		if s.stopped.Load() {
			s.sendMu.Unlock()
			return
		}
		err := s.sink.Send(it.payload())
		s.sendMu.Unlock()
		if err != nil {
			return
		}
	}
}

// stream is the broker-owned state of one terminal.
type stream struct {
	mu          sync.Mutex
	terminalID  string
	ring        *Ring
	subs        map[string]*subscriber // key → attachment
	generations map[string]uint64      // key → last attach generation
	exited      bool
	exitCode    int
}

// Broker fans terminal output out to attached connections.
type Broker struct {
	mu      sync.Mutex
	cfg     Config
	streams map[string]*stream
}

// New creates a Broker.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:     cfg,
		streams: make(map[string]*stream),
	}
}

// ringBudget returns the replay ring budget for a terminal kind.
func (b *Broker) ringBudget(mode string) int {
	budget := b.cfg.RingBytes
	if protocol.AgentMode(mode) && budget < b.cfg.AgentRingFloorBytes {
		budget = b.cfg.AgentRingFloorBytes
	}
	return budget
}

// Register starts tracking a terminal. Idempotent; must be called before
// the first Publish for the terminal.
func (b *Broker) Register(terminalID, mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[terminalID]; ok {
		return
	}
	b.streams[terminalID] = &stream{
		terminalID:  terminalID,
		ring:        NewRing(b.ringBudget(mode)),
		subs:        make(map[string]*subscriber),
		generations: make(map[string]uint64),
	}
}

func (b *Broker) stream(terminalID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[terminalID]
}

// Publish assigns the next sequence range to data, retains it in the
// replay ring and enqueues it to every attached client.
func (b *Broker) Publish(terminalID string, data []byte) {
	if len(data) == 0 {
		return
	}
	st := b.stream(terminalID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	start, end := st.ring.Append(data)
	for _, sub := range st.subs {
		sub.q.push(terminalID, sub.attachRequestID, outItem{frame: &protocol.TerminalOutput{
			Type:            protocol.TypeTerminalOutput,
			TerminalID:      terminalID,
			SeqStart:        start,
			SeqEnd:          end,
			Data:            data,
			AttachRequestID: sub.attachRequestID,
		}})
	}
}

// PublishExit records the terminal's exit and delivers terminal.exit to
// every attached client, ordered after all published output.
func (b *Broker) PublishExit(terminalID string, exitCode int) {
	st := b.stream(terminalID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.exited = true
	st.exitCode = exitCode
	for _, sub := range st.subs {
		sub.q.push(terminalID, sub.attachRequestID, outItem{ctrl: &protocol.TerminalExit{
			Type:       protocol.TypeTerminalExit,
			TerminalID: terminalID,
			ExitCode:   exitCode,
		}})
	}
}

// AttachOptions carries the optional parts of a terminal.attach.
type AttachOptions struct {
	// SinceSeq is the highest sequence the client already holds; 0 means
	// replay from the oldest retained frame.
	SinceSeq uint64
	// AttachRequestID is echoed on every frame produced for this attach.
	AttachRequestID string
}

// Attach subscribes a connection to a terminal's output. The attachment
// receives terminal.attach.ready first, then the replay for
// (SinceSeq, headSeq], then live frames. Re-attaching with the same
// connection id supersedes the previous attachment: its generation is
// retired and any frames still queued under it are discarded.
func (b *Broker) Attach(terminalID, connID string, sink Sink, opts AttachOptions) error {
	st := b.stream(terminalID)
	if st == nil {
		return ErrUnknownTerminal
	}
	key := connID + "/" + terminalID

	st.mu.Lock()
	defer st.mu.Unlock()

	if prev, ok := st.subs[key]; ok {
		prev.shutdown()
		delete(st.subs, key)
	}
	gen := st.generations[key] + 1
	st.generations[key] = gen

	sub := &subscriber{
		key:             key,
		terminalID:      terminalID,
		attachRequestID: opts.AttachRequestID,
		generation:      gen,
		sink:            sink,
		q:               newOutQueue(b.cfg.QueueBytes),
		stop:            make(chan struct{}),
	}

	frames, gapFrom, gapTo := st.ring.ReplayFrom(opts.SinceSeq)

	var replayFrom, replayTo uint64
	if len(frames) > 0 {
		replayFrom = frames[0].Start
		replayTo = frames[len(frames)-1].End
	}
	sub.q.push(terminalID, sub.attachRequestID, outItem{ctrl: &protocol.AttachReady{
		Type:            protocol.TypeAttachReady,
		TerminalID:      terminalID,
		HeadSeq:         st.ring.Head(),
		ReplayFromSeq:   replayFrom,
		ReplayToSeq:     replayTo,
		AttachRequestID: sub.attachRequestID,
	}})

	if gapTo >= gapFrom && gapFrom > 0 {
		sub.q.push(terminalID, sub.attachRequestID, outItem{gap: &protocol.OutputGap{
			Type:            protocol.TypeOutputGap,
			TerminalID:      terminalID,
			FromSeq:         gapFrom,
			ToSeq:           gapTo,
			Reason:          protocol.GapReplayWindowExceeded,
			AttachRequestID: sub.attachRequestID,
		}})
	}

	for _, f := range frames {
		sub.q.push(terminalID, sub.attachRequestID, outItem{frame: &protocol.TerminalOutput{
			Type:            protocol.TypeTerminalOutput,
			TerminalID:      terminalID,
			SeqStart:        f.Start,
			SeqEnd:          f.End,
			Data:            f.Data,
			AttachRequestID: sub.attachRequestID,
		}})
	}

	if st.exited {
		sub.q.push(terminalID, sub.attachRequestID, outItem{ctrl: &protocol.TerminalExit{
			Type:       protocol.TypeTerminalExit,
			TerminalID: terminalID,
			ExitCode:   st.exitCode,
		}})
	}

	st.subs[key] = sub
	go sub.pump()

	log.Printf("[broker] attach terminal=%s conn=%s gen=%d since=%d replay=[%d,%d]",
		terminalID, connID, gen, opts.SinceSeq, replayFrom, replayTo)
	return nil
}

// Detach removes a connection's attachment to a terminal. Returns false
// if no such attachment exists.
func (b *Broker) Detach(terminalID, connID string) bool {
	st := b.stream(terminalID)
	if st == nil {
		return false
	}
	key := connID + "/" + terminalID

	st.mu.Lock()
	defer st.mu.Unlock()
	sub, ok := st.subs[key]
	if !ok {
		return false
	}
	sub.shutdown()
	delete(st.subs, key)
	return true
}

// DetachConn tears down every attachment held by a connection. Called on
// connection close.
func (b *Broker) DetachConn(connID string) {
	b.mu.Lock()
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	prefix := connID + "/"
	for _, st := range streams {
		st.mu.Lock()
		for key, sub := range st.subs {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				sub.shutdown()
				delete(st.subs, key)
			}
		}
		st.mu.Unlock()
	}
}

// Remove stops tracking a terminal and tears down all its attachments.
func (b *Broker) Remove(terminalID string) {
	b.mu.Lock()
	st := b.streams[terminalID]
	delete(b.streams, terminalID)
	b.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for key, sub := range st.subs {
		sub.shutdown()
		delete(st.subs, key)
	}
}

// HeadSeq returns the terminal's current head sequence, or an error for
// an unknown terminal.
func (b *Broker) HeadSeq(terminalID string) (uint64, error) {
	st := b.stream(terminalID)
	if st == nil {
		return 0, fmt.Errorf("head seq: %w", ErrUnknownTerminal)
	}
	return st.ring.Head(), nil
}

// Attached reports whether connID currently holds an attachment to the
// terminal.
func (b *Broker) Attached(terminalID, connID string) bool {
	st := b.stream(terminalID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.subs[connID+"/"+terminalID]
	return ok
}
