// Package aggregator implements the snapshot aggregator (C8): it merges
// live records (C3), the history tail (C4), the interned string/stack
// tables (C1/C2), and each per-thread sink's events (C5) into a coherent,
// eventually-consistent in-memory snapshot on demand. It also hosts the
// live-record store (C3) itself, since C3's canonical contents are only
// ever mutated here (by snapshot-time event replay) and from the variable
// association API (C7) writing associations in real time — never from the
// allocator hook, which touches only C5.
package aggregator

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/corvid-labs/memtrace/pkg/eventsink"
	"github.com/corvid-labs/memtrace/pkg/historyring"
	"github.com/corvid-labs/memtrace/pkg/intern"
	"github.com/corvid-labs/memtrace/pkg/shardmap"
	"github.com/corvid-labs/memtrace/pkg/stackid"
	"github.com/corvid-labs/memtrace/pkg/trackerr"
	"github.com/corvid-labs/memtrace/pkg/varassoc"
)

// LiveAllocation is a record currently believed live: created by the first
// Alloc event for a ptr, mutated only by Associate/RefCount, and removed
// on a matching Dealloc (at which point it is finalised into the history
// ring). A record is either live here or in the history ring; never both.
type LiveAllocation struct {
	Ptr            uint64
	Size           uint64
	AllocTimestamp uint64
	ThreadID       uint32

	VarNameID  uint32
	HasVarName bool

	TypeNameID  uint32
	HasTypeName bool

	ScopeNameID  uint32
	HasScopeName bool

	StackID    uint32
	HasStackID bool

	Flags     uint32
	RefStrong uint32
	RefWeak   uint32
	Sampled   bool
}

// Flag bits for LiveAllocation.Flags / historyring.Record.Flags, per the
// data model's allocation-record flags bitfield.
const (
	FlagLeaked       uint32 = 1 << 0
	FlagUnsafeOrigin uint32 = 1 << 1
	FlagFFIOrigin    uint32 = 1 << 2
	FlagSmartPointer uint32 = 1 << 3
	FlagSystem       uint32 = 1 << 4
)

// Config configures a Tracker.
type Config struct {
	ShardCount            int
	HistoryCapacity       int
	StackDepthCap         int
	LockTimeout           time.Duration
	PerThreadBufferBytes  int
	SpillDir              string
	AssociationGraceWindow time.Duration
}

// Tracker owns C1 (strings), C2 (stacks), C3 (live records), C4 (history),
// C5's registry, and C7 (associations). It is the process-wide tracking
// state the allocator hook and the annotation API both write into, and the
// thing Snapshot reads from.
type Tracker struct {
	cfg Config

	Names    *intern.Table
	Stacks   *stackid.Table
	Registry *eventsink.Registry
	Assoc    *varassoc.Table

	live    *shardmap.Map[uint64, LiveAllocation]
	history *historyring.Ring

	mu      sync.Mutex // guards the initialised flag only
	running bool
}

// New constructs a Tracker. It does not start the allocator hook; callers
// drive the explicit Init/Shutdown lifecycle below so tests can run
// multiple cycles within one process, per the tracker's singleton design
// notes.
func New(cfg Config) (*Tracker, error) {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}

	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 10000
	}

	if cfg.PerThreadBufferBytes <= 0 {
		cfg.PerThreadBufferBytes = 1 << 16
	}

	if cfg.SpillDir == "" {
		return nil, fmt.Errorf("aggregator: SpillDir is required")
	}

	spiller, err := eventsink.NewSpiller(cfg.SpillDir)
	if err != nil {
		return nil, err
	}

	names := intern.New(cfg.ShardCount)
	stacks := stackid.New(names, cfg.ShardCount, cfg.StackDepthCap)
	registry := eventsink.NewRegistry(cfg.PerThreadBufferBytes, spiller, nil)

	tr := &Tracker{
		cfg:      cfg,
		Names:    names,
		Stacks:   stacks,
		Registry: registry,
		live:     shardmap.New[uint64, LiveAllocation](cfg.ShardCount, shardmap.WithLockTimeout[uint64, LiveAllocation](cfg.LockTimeout)),
		history:  historyring.New(cfg.HistoryCapacity),
	}

	tr.Assoc = varassoc.New(names, registry, tr, cfg.AssociationGraceWindow)

	return tr, nil
}

// Init installs the tracker as running. Calling Init twice without an
// intervening Shutdown is an error, per the design notes' explicit
// init()/shutdown() lifecycle.
func (t *Tracker) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return trackerr.ErrAlreadyInitialised
	}

	t.running = true

	return nil
}

// Shutdown flushes all sinks, closes spill files, and disables the
// tracker. Between Shutdown and a subsequent Init, any event reaching
// Notify/Associate is dropped — the same semantics as "not installed".
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()

		return trackerr.ErrNotInitialised
	}

	t.running = false
	t.mu.Unlock()

	return t.Registry.CloseAll(ctx)
}

// Running reports whether Init has been called without a matching
// Shutdown.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.running
}

// UpsertAssociation implements varassoc.LiveRecord: it applies assoc's
// fields to ptr's live record if one exists, returning an error (any
// non-nil value — the caller only checks for success) when it does not,
// which routes the caller onto the speculative-association path.
func (t *Tracker) UpsertAssociation(ctx context.Context, ptr uint64, assoc varassoc.Association) error {
	found := false

	err := t.live.Upsert(ctx, ptr, func(old LiveAllocation, present bool) LiveAllocation {
		if !present {
			return old
		}

		found = true
		old.VarNameID, old.HasVarName = uint32(assoc.VarNameID), true
		old.TypeNameID, old.HasTypeName = uint32(assoc.TypeNameID), true
		old.ScopeNameID, old.HasScopeName = uint32(assoc.ScopeNameID), true

		return old
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("aggregator: no live record for ptr %d", ptr)
	}

	return nil
}

// Snapshot is the point-in-time, eventually-consistent materialisation C8
// produces: the full string and stack tables, the live record set, and a
// bounded tail of finalised records.
type Snapshot struct {
	Strings     []string
	Stacks      []stackid.Stack
	Live        []LiveAllocation
	HistoryTail []historyring.Record
	Dropped     uint64
}

// Snapshot flushes every registered sink (sealing its tail buffer),
// applies each sink's events in per-thread program order to a scratch view
// of the live set and history ring, then freezes the result. Cross-thread
// ordering uses each event's timestamp: events from different sinks are
// merged by Timestamp before application. The aggregator's own working
// structures (t.live, t.history) are left unchanged by a snapshot except
// for the event replay itself, which is the same mutation the hot path's
// events always eventually cause — Snapshot only forces it to happen now
// rather than whenever the thread next flushes.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	var all []eventsink.Event

	var dropped uint64

	t.Registry.ForEach(func(s *eventsink.Sink) {
		dropped += s.Stats().DroppedEvents
	})

	var flushErr error

	t.Registry.ForEach(func(s *eventsink.Sink) {
		if flushErr != nil {
			return
		}

		events, err := s.FlushAndSeal(ctx)
		if err != nil {
			flushErr = err

			return
		}

		all = append(all, events...)
	})

	if flushErr != nil {
		return Snapshot{}, flushErr
	}

	// Cross-thread ordering uses each event's monotonic timestamp; within
	// one thread the slice above is already in append order, and a stable
	// sort preserves that order for equal timestamps.
	stableSortByTimestamp(all)

	for _, ev := range all {
		t.applyEvent(ctx, ev)
	}

	t.Assoc.PruneExpired(ctx)

	var live []LiveAllocation

	_ = t.live.Range(ctx, func(_ uint64, v LiveAllocation) bool {
		live = append(live, v)

		return true
	})

	return Snapshot{
		Strings:     t.Names.Snapshot(),
		Stacks:      t.Stacks.Snapshot(),
		Live:        live,
		HistoryTail: t.history.Snapshot(),
		Dropped:     dropped,
	}, nil
}

func stableSortByTimestamp(events []eventsink.Event) {
	// Insertion sort: event volumes per snapshot are bounded by sink
	// buffer sizes, and stability (required to preserve per-thread order
	// for equal timestamps) is simplest to guarantee by hand here rather
	// than pulling in sort.SliceStable for what is usually a
	// near-already-sorted sequence (each sink's own events arrive in
	// timestamp order; only the interleaving across sinks needs fixing).
	for i := 1; i < len(events); i++ {
		j := i

		for j > 0 && events[j-1].Timestamp > events[j].Timestamp {
			events[j-1], events[j] = events[j], events[j-1]
			j--
		}
	}
}

func (t *Tracker) applyEvent(ctx context.Context, ev eventsink.Event) {
	switch ev.Kind {
	case eventsink.KindAlloc:
		t.applyAlloc(ctx, ev)
	case eventsink.KindDealloc:
		t.applyDealloc(ctx, ev)
	case eventsink.KindAssociate:
		t.applyAssociate(ctx, ev)
	case eventsink.KindRefCount:
		t.applyRefCount(ctx, ev)
	}
}

func (t *Tracker) applyAlloc(ctx context.Context, ev eventsink.Event) {
	rec := LiveAllocation{
		Ptr:            ev.Ptr,
		Size:           ev.Size,
		AllocTimestamp: ev.Timestamp,
		ThreadID:       ev.ThreadID,
		Sampled:        ev.Sampled,
	}

	switch {
	case ev.HasRawStack:
		// Symbolication and interning are deferred here from the allocator
		// hot path (pkg/allochook only ever captures raw PCs): this replay
		// runs on-demand at snapshot time, never per-allocation, so the
		// allocation and the stackid.Table lock it takes are off the hot
		// path they'd otherwise violate.
		rec.StackID = uint32(t.Stacks.Normalize(rawFramesFromEvent(ev)))
		rec.HasStackID = true
	case ev.HasStackID:
		rec.StackID = ev.StackID
		rec.HasStackID = true
	}

	if assoc, ok := t.Assoc.TakeSpeculative(ctx, ev.Ptr); ok {
		rec.VarNameID, rec.HasVarName = uint32(assoc.VarNameID), true
		rec.TypeNameID, rec.HasTypeName = uint32(assoc.TypeNameID), true
		rec.ScopeNameID, rec.HasScopeName = uint32(assoc.ScopeNameID), true
	}

	_, _ = t.live.Insert(ctx, ev.Ptr, rec)
}

// rawFramesFromEvent symbolicates the raw program counters an allocator
// hot-path capture recorded into ev, via runtime.CallersFrames. This is the
// heavier half of stack capture (allocates, resolves file/line/function
// names) that pkg/allochook's Notify deliberately defers to here.
func rawFramesFromEvent(ev eventsink.Event) []stackid.RawFrame {
	if !ev.HasRawStack || ev.RawStackLen == 0 {
		return nil
	}

	pcs := make([]uintptr, ev.RawStackLen)
	for i := range pcs {
		pcs[i] = uintptr(ev.RawStack[i])
	}

	frames := runtime.CallersFrames(pcs)

	raw := make([]stackid.RawFrame, 0, len(pcs))

	for {
		frame, more := frames.Next()

		raw = append(raw, stackid.RawFrame{
			FunctionName: frame.Function,
			FileName:     frame.File,
			Line:         uint32(frame.Line),
		})

		if !more {
			break
		}
	}

	return raw
}

func (t *Tracker) applyDealloc(ctx context.Context, ev eventsink.Event) {
	rec, ok, _ := t.live.Remove(ctx, ev.Ptr)
	if !ok {
		return
	}

	t.history.Push(historyring.Record{
		Ptr:              rec.Ptr,
		Size:             rec.Size,
		AllocTimestamp:   rec.AllocTimestamp,
		DeallocTimestamp: ev.Timestamp,
		ThreadID:         rec.ThreadID,
		VarNameID:        rec.VarNameID,
		HasVarName:       rec.HasVarName,
		TypeNameID:       rec.TypeNameID,
		HasTypeName:      rec.HasTypeName,
		ScopeNameID:      rec.ScopeNameID,
		HasScopeName:     rec.HasScopeName,
		StackID:          rec.StackID,
		HasStackID:       rec.HasStackID,
		Flags:            rec.Flags,
		RefStrong:        rec.RefStrong,
		RefWeak:          rec.RefWeak,
	})
}

func (t *Tracker) applyAssociate(ctx context.Context, ev eventsink.Event) {
	_ = t.live.Upsert(ctx, ev.Ptr, func(old LiveAllocation, present bool) LiveAllocation {
		if !present {
			return old
		}

		if ev.HasVarName {
			old.VarNameID, old.HasVarName = ev.VarNameID, true
		}

		if ev.HasTypeName {
			old.TypeNameID, old.HasTypeName = ev.TypeNameID, true
		}

		if ev.HasScopeName {
			old.ScopeNameID, old.HasScopeName = ev.ScopeNameID, true
		}

		return old
	})
}

func (t *Tracker) applyRefCount(ctx context.Context, ev eventsink.Event) {
	_ = t.live.Upsert(ctx, ev.Ptr, func(old LiveAllocation, present bool) LiveAllocation {
		if !present {
			return old
		}

		old.Flags |= FlagSmartPointer
		old.RefStrong = ev.RefStrong
		old.RefWeak = ev.RefWeak

		return old
	})
}
