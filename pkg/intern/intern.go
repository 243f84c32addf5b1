// Package intern implements the string interner (C1): a thread-safe map
// from bytes to a stable, dense, monotonically assigned small integer id.
// Grounded on the teacher's internal/rbtree/sharded.go sharding pattern
// (reused here via pkg/shardmap) for the bytes->id half of the table, and
// on pkg/cache/lru.go's Stats()/HitRate() shape for the operational
// hit-rate counters — interning itself never evicts (ids are never
// recycled per the data model), so the stats exist purely to observe
// miss pressure, not to drive eviction.
package intern

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvid-labs/memtrace/pkg/shardmap"
)

// ID is a dense, monotonically assigned string identifier. Zero is a valid
// id (the first interned string gets id 0); callers that need a sentinel
// "no string" value use a separate optional flag, matching the allocation
// record's var_name_id/type_name_id/scope_name_id being optional fields.
type ID uint32

// Stats reports interning hit/miss counters, mirroring the teacher's
// LRUStats shape adapted to a table that never evicts.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns Hits / (Hits + Misses), or 0 when nothing has been
// interned yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// Table is the string interner. The zero value is not usable; construct
// with New.
type Table struct {
	byBytes *shardmap.Map[string, ID]

	mu      sync.Mutex
	byID    []string
	hits    uint64
	misses  uint64
	statsMu sync.Mutex
}

// New constructs a Table with shardCount shards for the bytes->id half of
// the map (see pkg/shardmap for shard sizing).
func New(shardCount int) *Table {
	return &Table{
		byBytes: shardmap.New[string, ID](shardCount),
		byID:    make([]string, 0, 1024),
	}
}

// Intern returns the stable id for s, assigning a new one on first
// observation. Concurrent calls with identical input from different
// goroutines observe the same id (intern is a function per the testable
// properties). Intern must never be called from the allocator hot path —
// only from the annotation API and exporter paths, per C1's contract.
func (t *Table) Intern(s string) ID {
	ctx := context.Background()

	if id, ok, _ := t.byBytes.Get(ctx, s); ok {
		t.recordHit()

		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check under the assignment lock: another goroutine may have
	// interned s between the shardmap read above and acquiring mu.
	if id, ok, _ := t.byBytes.Get(ctx, s); ok {
		t.recordHit()

		return id
	}

	id := ID(len(t.byID))
	if uint64(id) > uint64(^uint32(0)) {
		panic("intern: id space exhausted")
	}

	t.byID = append(t.byID, s)

	_, _ = t.byBytes.Insert(ctx, s, id)
	t.recordMiss()

	return id
}

// Resolve returns the bytes previously interned under id. It never fails
// for an id previously returned by Intern; calling it with any other id is
// a programming error and panics, matching the contract's "never fails for
// an id previously returned by intern" guarantee (no defined behaviour for
// ids that were never assigned).
func (t *Table) Resolve(id ID) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.byID) {
		panic(fmt.Sprintf("intern: id %d was never assigned", id))
	}

	return t.byID[id]
}

// Len returns the number of distinct strings interned so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byID)
}

// Snapshot returns a copy of the id-ordered string table, suitable for
// serialisation into a trace's string table section.
func (t *Table) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.byID))
	copy(out, t.byID)

	return out
}

// Stats returns a snapshot of the current hit/miss counters.
func (t *Table) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	return Stats{Hits: t.hits, Misses: t.misses}
}

func (t *Table) recordHit() {
	t.statsMu.Lock()
	t.hits++
	t.statsMu.Unlock()
}

func (t *Table) recordMiss() {
	t.statsMu.Lock()
	t.misses++
	t.statsMu.Unlock()
}
