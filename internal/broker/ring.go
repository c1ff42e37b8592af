package broker

import "sync"

// Frame is an immutable contiguous byte range of a terminal's output
// stream. Sequence numbers are per-byte, 1-based and inclusive, so
// len(Data) == End-Start+1 always holds.
type Frame struct {
	Start uint64
	End   uint64
	Data  []byte
}

// Ring is the per-terminal replay buffer: the most recent output frames
// within a byte budget, plus the head sequence (highest ever assigned).
// Frames are retained in sequence order and evicted oldest-first. A
// single frame larger than the budget keeps its tail: the frame is
// sliced and its Start advanced, so a reconnecting client still gets the
// retained bytes instead of an avoidable gap.
type Ring struct {
	mu     sync.Mutex
	frames []Frame
	bytes  int
	budget int
	head   uint64
}

// NewRing creates a ring with the given byte budget. The budget must be
// positive.
func NewRing(budget int) *Ring {
	if budget <= 0 {
		budget = 1
	}
	return &Ring{budget: budget}
}

// Append assigns the next len(data) sequence numbers to data, retains it
// and returns the assigned inclusive range. Empty chunks are ignored and
// return (0, 0).
func (r *Ring) Append(data []byte) (start, end uint64) {
	if len(data) == 0 {
		return 0, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start = r.head + 1
	end = r.head + uint64(len(data))
	r.head = end

	r.frames = append(r.frames, Frame{Start: start, End: end, Data: data})
	r.bytes += len(data)
	r.evict()
	return start, end
}

// evict trims the ring back under budget. Must be called with mu held.
func (r *Ring) evict() {
	for r.bytes > r.budget && len(r.frames) > 1 {
		r.bytes -= len(r.frames[0].Data)
		r.frames[0] = Frame{}
		r.frames = r.frames[1:]
	}
	// Oversized single frame: keep the tail that fits the budget.
	if r.bytes > r.budget && len(r.frames) == 1 {
		f := &r.frames[0]
		drop := r.bytes - r.budget
		f.Data = f.Data[drop:]
		f.Start += uint64(drop)
		r.bytes = r.budget
	}
}

// Head returns the highest sequence number ever assigned.
func (r *Ring) Head() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// OldestRetained returns the lowest sequence number still retained, or 0
// if the ring is empty.
func (r *Ring) OldestRetained() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return 0
	}
	return r.frames[0].Start
}

// ReplayFrom computes the replay for a client that has everything up to
// and including since (0 means "nothing, start from the oldest retained
// frame"). It returns the frames covering (since, head] that the ring
// still retains, and, when since > 0 and bytes in that range were
// already evicted, the unrecoverable range [gapFrom, gapTo].
//
// Returned frames may alias ring data; frames are immutable after
// append, so callers can hold them without copying.
func (r *Ring) ReplayFrom(since uint64) (frames []Frame, gapFrom, gapTo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if since >= r.head {
		return nil, 0, 0
	}

	if len(r.frames) == 0 {
		// Everything after since was evicted.
		if since > 0 {
			return nil, since + 1, r.head
		}
		return nil, 0, 0
	}

	oldest := r.frames[0].Start
	if since > 0 && since+1 < oldest {
		gapFrom, gapTo = since+1, oldest-1
	}

	for _, f := range r.frames {
		if f.End <= since {
			continue
		}
		if f.Start <= since {
			// Client already has a prefix of this frame; slice it off.
			skip := since - f.Start + 1
			f = Frame{Start: since + 1, End: f.End, Data: f.Data[skip:]}
		}
		frames = append(frames, f)
	}
	return frames, gapFrom, gapTo
}

// RetainedBytes returns the current retained byte count.
func (r *Ring) RetainedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}
