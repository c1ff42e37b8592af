package broker

import (
	"testing"

	"github.com/freshell/freshell/internal/protocol"
)

func frameItem(start, end uint64, data string) outItem {
	return outItem{frame: &protocol.TerminalOutput{
		Type:       protocol.TypeTerminalOutput,
		TerminalID: "t1",
		SeqStart:   start,
		SeqEnd:     end,
		Data:       []byte(data),
	}}
}

func drainQueue(q *outQueue) []outItem {
	var items []outItem
	for {
		it, ok := q.pop()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}

func TestQueueFIFOUnderBudget(t *testing.T) {
	q := newOutQueue(100)
	q.push("t1", "", frameItem(1, 4, "aaaa"))
	q.push("t1", "", frameItem(5, 8, "bbbb"))

	items := drainQueue(q)
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	if items[0].frame.SeqStart != 1 || items[1].frame.SeqStart != 5 {
		t.Fatalf("order: got %d then %d", items[0].frame.SeqStart, items[1].frame.SeqStart)
	}
}

func TestQueueOverflowDropsOldestAndCoalesces(t *testing.T) {
	q := newOutQueue(8)
	q.push("t1", "r1", frameItem(1, 4, "aaaa"))
	q.push("t1", "r1", frameItem(5, 8, "bbbb"))
	// Exceeds the budget: both earlier frames are dropped and replaced by
	// one coalesced gap in their position.
	q.push("t1", "r1", frameItem(9, 16, "cccccccc"))

	items := drainQueue(q)
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	gap := items[0].gap
	if gap == nil {
		t.Fatalf("first item: got %+v, want gap", items[0])
	}
	if gap.Reason != protocol.GapQueueOverflow {
		t.Fatalf("gap reason: got %q", gap.Reason)
	}
	if gap.FromSeq != 1 || gap.ToSeq != 8 {
		t.Fatalf("gap range: got [%d,%d], want [1,8]", gap.FromSeq, gap.ToSeq)
	}
	if gap.AttachRequestID != "r1" {
		t.Fatalf("gap attachRequestId: got %q", gap.AttachRequestID)
	}
	if items[1].frame == nil || items[1].frame.SeqStart != 9 {
		t.Fatalf("second item: got %+v, want frame [9,16]", items[1])
	}
}

func TestQueueOverflowAbsorbsPriorGap(t *testing.T) {
	q := newOutQueue(4)
	q.push("t1", "", frameItem(1, 4, "aaaa"))
	q.push("t1", "", frameItem(5, 8, "bbbb"))  // drops [1,4], gap [1,4]
	q.push("t1", "", frameItem(9, 12, "cccc")) // drops gap + [5,8], gap [1,8]

	items := drainQueue(q)
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	gap := items[0].gap
	if gap == nil || gap.FromSeq != 1 || gap.ToSeq != 8 {
		t.Fatalf("coalesced gap: got %+v, want [1,8]", items[0])
	}
}

func TestQueueNeverEvictsControlMessages(t *testing.T) {
	q := newOutQueue(4)
	q.push("t1", "", outItem{ctrl: &protocol.AttachReady{Type: protocol.TypeAttachReady, TerminalID: "t1"}})
	q.push("t1", "", frameItem(1, 4, "aaaa"))
	q.push("t1", "", frameItem(5, 8, "bbbb"))
	q.push("t1", "", outItem{ctrl: &protocol.TerminalExit{Type: protocol.TypeTerminalExit, TerminalID: "t1"}})

	items := drainQueue(q)
	if len(items) != 4 {
		t.Fatalf("items: got %d, want 4", len(items))
	}
	if _, ok := items[0].payload().(*protocol.AttachReady); !ok {
		t.Fatalf("first item: got %T, want AttachReady", items[0].payload())
	}
	if items[1].gap == nil {
		t.Fatalf("second item: got %+v, want overflow gap", items[1])
	}
	if items[2].frame == nil || items[2].frame.SeqStart != 5 {
		t.Fatalf("third item: got %+v, want frame [5,8]", items[2])
	}
	if _, ok := items[3].payload().(*protocol.TerminalExit); !ok {
		t.Fatalf("fourth item: got %T, want TerminalExit", items[3].payload())
	}
}

func TestQueueClosedRejectsPush(t *testing.T) {
	q := newOutQueue(100)
	q.push("t1", "", frameItem(1, 4, "aaaa"))
	q.close()
	q.push("t1", "", frameItem(5, 8, "bbbb"))

	if _, ok := q.pop(); ok {
		t.Fatal("pop after close: got item, want none")
	}
	if q.len() != 0 {
		t.Fatalf("len after close: got %d, want 0", q.len())
	}
}
