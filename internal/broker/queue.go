package broker

import (
	"sync"

	"github.com/freshell/freshell/internal/protocol"
)

// outItem is one pending message for an attachment. Exactly one of
// frame/gap/ctrl is set. Only frame data counts against the byte budget;
// control messages (attach.ready, exit, detached) are never evicted.
type outItem struct {
	frame *protocol.TerminalOutput
	gap   *protocol.OutputGap
	ctrl  interface{}
}

func (it outItem) size() int {
	if it.frame != nil {
		return len(it.frame.Data)
	}
	return 0
}

func (it outItem) payload() interface{} {
	switch {
	case it.frame != nil:
		return it.frame
	case it.gap != nil:
		return it.gap
	default:
		return it.ctrl
	}
}

// outQueue is the byte-budgeted outbound queue of one attachment. When a
// push would exceed the budget, the oldest queued frames are dropped and
// replaced by a single coalesced queue_overflow gap covering the dropped
// range, keeping the consumer throttled but connected.
type outQueue struct {
	mu     sync.Mutex
	items  []outItem
	bytes  int
	budget int
	notify chan struct{}
	closed bool
}

func newOutQueue(budget int) *outQueue {
	if budget <= 0 {
		budget = 1
	}
	return &outQueue{
		budget: budget,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues it and evicts old frames as needed. Returns the dropped
// range when eviction occurred.
func (q *outQueue) push(terminalID, attachRequestID string, it outItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, it)
	q.bytes += it.size()

	var (
		dropped          bool
		dropFrom, dropTo uint64
		insertAt         = -1
	)
	for q.bytes > q.budget {
		// Find the oldest evictable item: a frame, or a previous
		// queue_overflow gap that the new gap will absorb. Never evict
		// the frame just pushed — the budget always admits one frame.
		idx := -1
		for i := range q.items[:len(q.items)-1] {
			if q.items[i].frame != nil ||
				(q.items[i].gap != nil && q.items[i].gap.Reason == protocol.GapQueueOverflow) {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		victim := q.items[idx]
		q.bytes -= victim.size()
		q.items = append(q.items[:idx], q.items[idx+1:]...)

		var vFrom, vTo uint64
		if victim.frame != nil {
			vFrom, vTo = victim.frame.SeqStart, victim.frame.SeqEnd
		} else {
			vFrom, vTo = victim.gap.FromSeq, victim.gap.ToSeq
		}
		if !dropped {
			dropped = true
			dropFrom, dropTo = vFrom, vTo
			insertAt = idx
		} else {
			if vFrom < dropFrom {
				dropFrom = vFrom
			}
			if vTo > dropTo {
				dropTo = vTo
			}
		}
	}

	if dropped {
		gap := &protocol.OutputGap{
			Type:            protocol.TypeOutputGap,
			TerminalID:      terminalID,
			FromSeq:         dropFrom,
			ToSeq:           dropTo,
			Reason:          protocol.GapQueueOverflow,
			AttachRequestID: attachRequestID,
		}
		q.items = append(q.items, outItem{})
		copy(q.items[insertAt+1:], q.items[insertAt:])
		q.items[insertAt] = outItem{gap: gap}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest item.
func (q *outQueue) pop() (outItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outItem{}, false
	}
	it := q.items[0]
	q.items[0] = outItem{}
	q.items = q.items[1:]
	q.bytes -= it.size()
	return it, true
}

// close discards all pending items and rejects further pushes.
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.bytes = 0
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
