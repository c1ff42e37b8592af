package wsserver

import (
	"errors"
	"sync"
)

// ErrOutboxClosed is returned by Push once the connection is gone.
var ErrOutboxClosed = errors.New("outbox closed")

// Outbox is the per-connection transport send buffer. Its byte count is
// the server-side equivalent of the browser WebSocket bufferedAmount: a
// message's bytes are counted from Push until the socket write for it
// completes, so a stalled socket keeps the count high.
type Outbox struct {
	mu     sync.Mutex
	items  [][]byte
	bytes  int64
	closed bool
	notify chan struct{}
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{}, 1)}
}

// Push queues a marshaled message for transport.
func (o *Outbox) Push(b []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.items = append(o.items, b)
	o.bytes += int64(len(b))
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest message without releasing its bytes; the
// writer calls Release after the socket write completes.
func (o *Outbox) Pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	b := o.items[0]
	o.items[0] = nil
	o.items = o.items[1:]
	return b, true
}

// Release subtracts n from the buffered byte count once a write has
// been handed to the socket.
func (o *Outbox) Release(n int) {
	o.mu.Lock()
	o.bytes -= int64(n)
	if o.bytes < 0 {
		o.bytes = 0
	}
	o.mu.Unlock()
}

// Bytes returns the current buffered byte count.
func (o *Outbox) Bytes() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes
}

// Notify returns the channel signaled when a message is pushed.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Close drops all pending messages and rejects further pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.bytes = 0
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether the outbox has been closed.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
