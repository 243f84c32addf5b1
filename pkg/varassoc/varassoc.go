// Package varassoc implements the variable association API (C7): the
// source-annotation surface letting user code attach a (name, type, scope)
// tuple to a freshly allocated pointer. Associate runs on user threads at
// safe points, not inside the allocator hook, so unlike pkg/eventsink and
// pkg/allochook it is free to intern strings and take ordinary locks.
package varassoc

import (
	"context"
	"runtime"
	"time"
	"unsafe"

	"github.com/corvid-labs/memtrace/pkg/eventsink"
	"github.com/corvid-labs/memtrace/pkg/intern"
	"github.com/corvid-labs/memtrace/pkg/shardmap"
)

// Association is the (name, type, scope) tuple attached to a pointer.
type Association struct {
	Ptr         uint64
	VarNameID   intern.ID
	TypeNameID  intern.ID
	ScopeNameID intern.ID
	At          time.Time
}

// LiveRecord is the subset of the C3 live-record contract varassoc needs:
// an upsert-capable store keyed by pointer. pkg/aggregator's live-record
// shard map satisfies this.
type LiveRecord interface {
	UpsertAssociation(ctx context.Context, ptr uint64, assoc Association) error
}

// Table is the variable association API. It writes an Associate event into
// the owning thread's sink and upserts the association into the live
// record store, per C7's two-action contract. The zero value is not
// usable; construct with New.
type Table struct {
	names      *intern.Table
	registry   *eventsink.Registry
	live       LiveRecord
	graceWindow time.Duration

	speculative *shardmap.Map[uint64, Association]
}

// defaultGraceWindow matches the data model's "speculative association
// older than a configurable grace window is discarded" rule.
const defaultGraceWindow = 5 * time.Second

// New constructs a Table. graceWindow of 0 selects the default of 5s.
func New(names *intern.Table, registry *eventsink.Registry, live LiveRecord, graceWindow time.Duration) *Table {
	if graceWindow <= 0 {
		graceWindow = defaultGraceWindow
	}

	return &Table{
		names:       names,
		registry:    registry,
		live:        live,
		graceWindow: graceWindow,
		speculative: shardmap.New[uint64, Association](8),
	}
}

// Clock reports the current time. Table takes no Clock; it reads time.Now
// directly.
type Clock func() time.Time

// Mode selects what Associate does with ownership of the host value, per
// C7's three association modes.
type Mode int

const (
	// Borrowing records the association and returns; the host value is
	// untouched.
	Borrowing Mode = iota
	// OwningWrap moves the host value into a thin wrapper whose
	// destructor (via runtime.SetFinalizer, see Wrap) emits a synthetic
	// Dealloc so lifetime tracking is exact even without an allocator
	// event.
	OwningWrap
)

// Associate performs the Borrowing association: it interns name/typ/scope,
// writes an Associate event into sinkID's sink, and upserts the
// association into the live-record store. If no live record for ptr exists
// yet, the association is stored speculatively and bound by a later Alloc
// event for the same ptr (see TakeSpeculative); a speculative association
// older than the table's grace window is discarded rather than bound.
func (t *Table) Associate(ctx context.Context, sinkID eventsink.SinkID, ptr uint64, name, typ, scope string) error {
	varID := t.names.Intern(name)
	typeID := t.names.Intern(typ)
	scopeID := t.names.Intern(scope)

	sink := t.registry.Sink(sinkID)
	sink.Append(eventsink.Event{
		Kind:         eventsink.KindAssociate,
		Ptr:          ptr,
		ThreadID:     uint32(sinkID),
		VarNameID:    uint32(varID),
		HasVarName:   true,
		TypeNameID:   uint32(typeID),
		HasTypeName:  true,
		ScopeNameID:  uint32(scopeID),
		HasScopeName: true,
	})

	assoc := Association{Ptr: ptr, VarNameID: varID, TypeNameID: typeID, ScopeNameID: scopeID, At: time.Now()}

	if err := t.live.UpsertAssociation(ctx, ptr, assoc); err != nil {
		// No live record yet: store speculatively. The aggregator binds it
		// through TakeSpeculative when it replays the matching Alloc event
		// at snapshot time.
		_, insertErr := t.speculative.Insert(ctx, ptr, assoc)

		return insertErr
	}

	return nil
}

// TakeSpeculative returns and removes the speculative association for ptr,
// if one exists and is still within the grace window. A caller (typically
// the aggregator, when it observes a fresh Alloc for ptr) uses this to bind
// a race-ahead association to its now-existing live record.
func (t *Table) TakeSpeculative(ctx context.Context, ptr uint64) (Association, bool) {
	assoc, ok, _ := t.speculative.Remove(ctx, ptr)
	if !ok {
		return Association{}, false
	}

	if time.Since(assoc.At) > t.graceWindow {
		return Association{}, false
	}

	return assoc, true
}

// PruneExpired removes speculative associations older than the grace
// window without binding them. Callers run this periodically (e.g. from
// the aggregator's snapshot path) so stale speculation never accumulates
// without bound.
func (t *Table) PruneExpired(ctx context.Context) int {
	var stale []uint64

	_ = t.speculative.Range(ctx, func(ptr uint64, assoc Association) bool {
		if time.Since(assoc.At) > t.graceWindow {
			stale = append(stale, ptr)
		}

		return true
	})

	for _, ptr := range stale {
		_, _, _ = t.speculative.Remove(ctx, ptr)
	}

	return len(stale)
}

// Cloner is implemented by host types with shared-ownership semantics
// (e.g. a reference-counted wrapper). AssociateSmart selects OwningWrap
// for types that do NOT implement Cloner (so tracking a stack-held owning
// handle is exact) and Borrowing for types that do (where the host's own
// refcount events, emitted via RefCount, already capture the sharing).
type Cloner interface {
	Clone() any
}

// AssociateSmart performs the Borrowing association for value regardless
// of mode selection, then reports which mode C7's trait-capability rule
// would have chosen (copy-like/shared-ownership types borrow; everything
// else should additionally be passed through Wrap by the caller for exact
// lifetime tracking). Go has no trait system to dispatch on automatically,
// so the mode decision is returned rather than silently acted on — the
// caller, which holds the concrete value, is the only one positioned to
// call Wrap.
func AssociateSmart(ctx context.Context, t *Table, sinkID eventsink.SinkID, ptr uint64, name, typ, scope string, value any) (Mode, error) {
	if err := t.Associate(ctx, sinkID, ptr, name, typ, scope); err != nil {
		return Borrowing, err
	}

	if _, ok := value.(Cloner); ok {
		return Borrowing, nil
	}

	return OwningWrap, nil
}

// Wrap performs the Owning-wrap association (C7 mode 2): it moves value
// into a thin wrapper and attaches a finalizer that emits a synthetic
// Dealloc event for ptr when the wrapper is collected, giving exact
// lifetime tracking for stack-held owning handles that never produce their
// own allocator event. The caller still calls Associate (or AssociateSmart)
// separately to record the (name, type, scope) tuple; Wrap only supplies
// the synthetic-dealloc half of the contract.
func Wrap[T any](t *Table, sinkID eventsink.SinkID, ptr uint64, value T) *Owned[T] {
	w := &Owned[T]{Value: value}

	runtime.SetFinalizer(w, func(_ *Owned[T]) {
		sink := t.registry.Sink(sinkID)
		sink.Append(eventsink.Event{
			Kind:     eventsink.KindDealloc,
			Ptr:      ptr,
			ThreadID: uint32(sinkID),
		})
	})

	return w
}

// Owned wraps a host value under Owning-wrap association. Its address is
// stable for the lifetime of the wrapper, which is what makes the
// finalizer's synthetic Dealloc event meaningful as a lifetime boundary.
type Owned[T any] struct {
	Value T
}

// Addr returns the wrapper's own heap address, suitable for correlating
// with the ptr passed to Wrap in logs or tests.
func (o *Owned[T]) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(o)))
}
