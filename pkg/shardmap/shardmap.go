// Package shardmap implements the sharded associative store: a generic map
// partitioned into N independent shards so that concurrent operations on
// distinct shards proceed without contending on a single lock. Grounded on
// the teacher's internal/rbtree/sharded.go ShardedAllocator, which picks a
// shard via an FNV hash mod the shard count and parallelises whole-map
// operations with a WaitGroup; this generalises that pattern from a single
// allocator value type to an arbitrary comparable key / value pair, and adds
// bounded-wait locking and adaptive promotion per the associative-store
// contract.
package shardmap

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvid-labs/memtrace/pkg/trackerr"
)

// contentionPromoteThreshold is the number of writes (Insert or Upsert) on
// the single-map path after which Map transparently migrates to the
// sharded representation. Writes are counted whether or not they waited;
// lock waits themselves are not measured.
const contentionPromoteThreshold = 64

// KeyHasher produces a shard-routing hash for a key. Callers that use
// non-string keys supply one; New defaults to hashing fmt.Sprint(key) when
// none is given, which is adequate for the small-cardinality keys memtrace
// itself uses (pointers formatted as uint64, intern bytes as strings).
type KeyHasher[K comparable] func(key K) uint64

// Map is a generic sharded associative store over key type K and value
// type V. The zero value is not usable; construct with New.
type Map[K comparable, V any] struct {
	shards    []*shard[K, V]
	mask      uint64
	hasher    KeyHasher[K]
	timeout   time.Duration
	promoted  atomic.Bool
	contended atomic.Int64

	// single is the pre-promotion fast path, one sync.Map. Reads and
	// writes go through it until the write count crosses the threshold, at
	// which point Promote migrates its contents into shards and all
	// subsequent operations use the sharded path. generation records the
	// happens-before boundary of that migration.
	single     sync.Map
	generation atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// Option configures a Map at construction.
type Option[K comparable, V any] func(*Map[K, V])

// WithHasher overrides the default key hash function.
func WithHasher[K comparable, V any](h KeyHasher[K]) Option[K, V] {
	return func(m *Map[K, V]) { m.hasher = h }
}

// WithLockTimeout sets the bounded-wait budget for shard lock acquisition.
// Zero (the default) disables the bound and acquires locks unconditionally,
// matching the teacher's single-lock maps; memtrace's off-hot-path callers
// should always set this from the configuration surface's lock_timeout_ms.
func WithLockTimeout[K comparable, V any](d time.Duration) Option[K, V] {
	return func(m *Map[K, V]) { m.timeout = d }
}

// New constructs a Map with shardCount shards, rounded up to the next power
// of two (0 or 1 gives 2 shards). Every map starts in its pre-sharded,
// single-map form and promotes itself to the shards automatically once the
// write count crosses the threshold.
func New[K comparable, V any](shardCount int, opts ...Option[K, V]) *Map[K, V] {
	n := nextPowerOfTwo(shardCount)

	shards := make([]*shard[K, V], n)
	for i := range shards {
		shards[i] = &shard[K, V]{data: make(map[K]V)}
	}

	m := &Map[K, V]{
		shards: shards,
		mask:   uint64(n - 1),
		hasher: defaultHasher[K],
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func nextPowerOfTwo(n int) int {
	if n < 2 {
		return 2
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

func defaultHasher[K comparable](key K) uint64 {
	h := fnv.New64a()

	switch k := any(key).(type) {
	case string:
		_, _ = h.Write([]byte(k))
	case []byte:
		_, _ = h.Write(k)
	case uint64:
		var buf [8]byte
		for i := range buf {
			buf[i] = byte(k >> (8 * i))
		}

		_, _ = h.Write(buf[:])
	default:
		_, _ = h.Write([]byte(fmtSprint(key)))
	}

	return h.Sum64()
}

func fmtSprint(v any) string {
	return fmt.Sprint(v)
}

// Generation returns the current migration generation. It increments by
// exactly one when the map promotes from single-lock to sharded form; it
// never changes otherwise. Callers that need a happens-before boundary
// around promotion poll this value.
func (m *Map[K, V]) Generation() uint64 {
	return m.generation.Load()
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	idx := m.hasher(key) & m.mask

	return m.shards[idx]
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if !m.promoted.Load() {
		v, ok := m.single.Load(key)
		if !ok {
			var zero V

			return zero, false, nil
		}

		return v.(V), true, nil
	}

	s := m.shardFor(key)

	if err := m.rlock(ctx, s); err != nil {
		var zero V

		return zero, false, err
	}
	defer s.mu.RUnlock()

	v, ok := s.data[key]

	return v, ok, nil
}

// Insert stores value for key unconditionally, overwriting any existing
// entry, and returns whether a prior value existed.
func (m *Map[K, V]) Insert(ctx context.Context, key K, value V) (bool, error) {
	if !m.promoted.Load() {
		_, existed := m.single.Swap(key, value)
		m.maybePromote()

		return existed, nil
	}

	s := m.shardFor(key)

	if err := m.lock(ctx, s); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	_, existed := s.data[key]
	s.data[key] = value

	return existed, nil
}

// Upsert applies fn to the current value for key (absent = false) and
// stores fn's result, atomically with respect to other operations on the
// same shard.
func (m *Map[K, V]) Upsert(ctx context.Context, key K, fn func(old V, present bool) V) error {
	if !m.promoted.Load() {
		for {
			old, present := m.single.Load(key)
			var oldV V

			if present {
				oldV = old.(V)
			}

			next := fn(oldV, present)

			if present {
				if m.single.CompareAndSwap(key, old, next) {
					m.maybePromote()

					return nil
				}
			} else if _, loaded := m.single.LoadOrStore(key, next); !loaded {
				m.maybePromote()

				return nil
			}
		}
	}

	s := m.shardFor(key)

	if err := m.lock(ctx, s); err != nil {
		return err
	}
	defer s.mu.Unlock()

	old, present := s.data[key]
	s.data[key] = fn(old, present)

	return nil
}

// Remove deletes key and reports whether it was present.
func (m *Map[K, V]) Remove(ctx context.Context, key K) (V, bool, error) {
	if !m.promoted.Load() {
		v, ok := m.single.LoadAndDelete(key)
		if !ok {
			var zero V

			return zero, false, nil
		}

		return v.(V), true, nil
	}

	s := m.shardFor(key)

	if err := m.lock(ctx, s); err != nil {
		var zero V

		return zero, false, err
	}
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if ok {
		delete(s.data, key)
	}

	return v, ok, nil
}

// Range calls fn for every key/value pair. fn returning false stops
// iteration early. Range takes each shard's read lock in turn; it never
// observes a cut consistent across shards, matching the "eventually
// consistent, no stop-the-world" snapshot model.
func (m *Map[K, V]) Range(ctx context.Context, fn func(key K, value V) bool) error {
	if !m.promoted.Load() {
		m.single.Range(func(k, v any) bool {
			return fn(k.(K), v.(V))
		})

		return nil
	}

	for _, s := range m.shards {
		if err := m.rlock(ctx, s); err != nil {
			return err
		}

		cont := true

		for k, v := range s.data {
			if !fn(k, v) {
				cont = false

				break
			}
		}

		s.mu.RUnlock()

		if !cont {
			return nil
		}
	}

	return nil
}

// Len reports the total number of entries across all shards (or the
// single map pre-promotion). It is a point-in-time estimate under
// concurrent mutation.
func (m *Map[K, V]) Len(ctx context.Context) (int, error) {
	if !m.promoted.Load() {
		n := 0
		m.single.Range(func(_, _ any) bool { n++; return true })

		return n, nil
	}

	total := 0

	for _, s := range m.shards {
		if err := m.rlock(ctx, s); err != nil {
			return 0, err
		}

		total += len(s.data)
		s.mu.RUnlock()
	}

	return total, nil
}

func (m *Map[K, V]) maybePromote() {
	if m.promoted.Load() {
		return
	}

	if m.contended.Add(1) < contentionPromoteThreshold {
		return
	}

	m.promote()
}

// promote migrates the single map's contents into the sharded
// representation exactly once. It is guarded by promoted's CAS so
// concurrent callers race harmlessly; only the winner performs the copy.
func (m *Map[K, V]) promote() {
	if !m.promoted.CompareAndSwap(false, true) {
		return
	}

	m.single.Range(func(k, v any) bool {
		key := k.(K)
		s := m.shardFor(key)
		s.mu.Lock()
		s.data[key] = v.(V)
		s.mu.Unlock()

		return true
	})

	m.generation.Add(1)
}

// lock acquires s's write lock, bounded by m.timeout when set.
func (m *Map[K, V]) lock(ctx context.Context, s *shard[K, V]) error {
	if m.timeout <= 0 {
		s.mu.Lock()

		return nil
	}

	done := make(chan struct{})

	go func() {
		s.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.timeout):
		go func() { <-done; s.mu.Unlock() }()

		return trackerr.ErrContentionTimeout
	case <-ctx.Done():
		go func() { <-done; s.mu.Unlock() }()

		return trackerr.ErrContentionTimeout
	}
}

// rlock acquires s's read lock, bounded by m.timeout when set.
func (m *Map[K, V]) rlock(ctx context.Context, s *shard[K, V]) error {
	if m.timeout <= 0 {
		s.mu.RLock()

		return nil
	}

	done := make(chan struct{})

	go func() {
		s.mu.RLock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.timeout):
		go func() { <-done; s.mu.RUnlock() }()

		return trackerr.ErrContentionTimeout
	case <-ctx.Done():
		go func() { <-done; s.mu.RUnlock() }()

		return trackerr.ErrContentionTimeout
	}
}
