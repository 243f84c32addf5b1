// Package historyring implements the bounded history ring (C4): a
// fixed-capacity ordered buffer of finalised allocation records, oldest
// evicted on overflow. It is the tracker's hard upper bound on
// finalised-record memory: capacity × record size, never more.
package historyring

import "sync"

// Record is the finalised-allocation payload the ring stores. It mirrors
// the allocation record fields relevant once a record has left the live
// set (see pkg/aggregator for the full record type it is built from).
type Record struct {
	Ptr              uint64
	Size             uint64
	AllocTimestamp   uint64
	DeallocTimestamp uint64
	ThreadID         uint32
	VarNameID        uint32
	HasVarName       bool
	TypeNameID       uint32
	HasTypeName      bool
	ScopeNameID      uint32
	HasScopeName     bool
	StackID          uint32
	HasStackID       bool
	Flags            uint32
	RefStrong        uint32
	RefWeak          uint32
}

// Ring is a fixed-capacity, single-lock ring buffer of finalised records.
// Contention is bounded by the process-wide dealloc rate, per the
// concurrency model, so one mutex is deliberate rather than sharded.
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	cap      int
	head     int // index of the oldest element
	size     int // number of valid elements
	evicted  uint64
	inserted uint64
}

// New constructs a Ring with the given fixed capacity. Capacity must be
// at least 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}

	return &Ring{
		buf: make([]Record, capacity),
		cap: capacity,
	}
}

// Push appends r, evicting the oldest record if the ring is at capacity.
// Amortised O(1): no reallocation ever occurs after construction. At most
// one eviction occurs per push, even under concurrent callers, because the
// whole operation runs under the ring's single lock.
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inserted++

	if r.size < r.cap {
		idx := (r.head + r.size) % r.cap
		r.buf[idx] = rec
		r.size++

		return
	}

	// At capacity: overwrite the oldest slot and advance head, which is
	// the single atomic eviction the capacity invariant requires.
	r.buf[r.head] = rec
	r.head = (r.head + 1) % r.cap
	r.evicted++
}

// Snapshot returns the ring's current contents in insertion order (oldest
// first). It is a copy; mutating it does not affect the ring.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%r.cap]
	}

	return out
}

// Len returns the current number of records held (never more than
// Capacity).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

// Capacity returns the ring's fixed capacity.
func (r *Ring) Capacity() int {
	return r.cap
}

// Evicted returns the total number of records evicted over the ring's
// lifetime.
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evicted
}
