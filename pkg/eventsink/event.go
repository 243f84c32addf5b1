package eventsink

import "encoding/binary"

// Kind tags the per-thread event union: Alloc, Dealloc, Associate, or
// RefCount, per the data model's "Per-Thread Event" entity.
type Kind uint8

const (
	// KindAlloc records a heap allocation.
	KindAlloc Kind = 1
	// KindDealloc records a heap deallocation.
	KindDealloc Kind = 2
	// KindAssociate records a (name, type, scope) annotation attaching to
	// a pointer.
	KindAssociate Kind = 3
	// KindRefCount records a smart-pointer strong/weak refcount update.
	KindRefCount Kind = 4
)

// RawStackDepth bounds the number of raw program counters an event can
// carry from the allocator hot path. It is deliberately shallower than
// stackid.Table's own depth cap: the hot path only has to get enough
// frames to identify the call site, and every event pays this width
// whether or not a stack was actually captured, so it stays small.
const RawStackDepth = 8

// recordSize is the fixed on-the-wire size of one Event in a sink buffer.
// Fixed width (rather than varint) keeps the hot-path encode/decode O(1)
// and allocation-free, the same tradeoff the binary trace format makes at
// the file level.
const recordSize = 60 + 8*RawStackDepth

// Event is one entry in a per-thread sink's append-only log. It is a
// fixed-layout struct so Append can encode it into a pre-reserved byte
// range without any heap allocation.
//
// RawStack/RawStackLen/HasRawStack carry the raw, unsymbolicated program
// counters the allocator hook captured via runtime.Callers, when stack
// capture is enabled. Symbolication (runtime.CallersFrames) and
// normalization (stackid.Table.Normalize, which interns frame strings)
// are deliberately not done here: both allocate and the latter takes an
// unbounded lock, so they are deferred to the snapshot aggregator's event
// replay, off the allocator hot path.
type Event struct {
	Kind      Kind
	Ptr       uint64
	Size      uint64
	Timestamp uint64
	ThreadID  uint32

	StackID    uint32
	HasStackID bool

	VarNameID    uint32
	HasVarName   bool
	TypeNameID   uint32
	HasTypeName  bool
	ScopeNameID  uint32
	HasScopeName bool

	RefStrong uint32
	RefWeak   uint32

	Sampled bool

	RawStack    [RawStackDepth]uint64
	RawStackLen uint8
	HasRawStack bool
}

// encode writes e into dst, which must be at least recordSize bytes.
func encode(dst []byte, e Event) {
	_ = dst[recordSize-1]

	dst[0] = byte(e.Kind)
	dst[1] = boolByte(e.HasStackID)
	dst[2] = boolByte(e.HasVarName)
	dst[3] = boolByte(e.HasTypeName)
	dst[4] = boolByte(e.HasScopeName)
	dst[5] = boolByte(e.Sampled)
	dst[6] = boolByte(e.HasRawStack)
	dst[7] = e.RawStackLen

	binary.LittleEndian.PutUint64(dst[8:16], e.Ptr)
	binary.LittleEndian.PutUint64(dst[16:24], e.Size)
	binary.LittleEndian.PutUint64(dst[24:32], e.Timestamp)
	binary.LittleEndian.PutUint32(dst[32:36], e.ThreadID)
	binary.LittleEndian.PutUint32(dst[36:40], e.StackID)
	binary.LittleEndian.PutUint32(dst[40:44], e.VarNameID)
	binary.LittleEndian.PutUint32(dst[44:48], e.TypeNameID)
	binary.LittleEndian.PutUint32(dst[48:52], e.ScopeNameID)
	binary.LittleEndian.PutUint32(dst[52:56], e.RefStrong)
	binary.LittleEndian.PutUint32(dst[56:60], e.RefWeak)

	for i := 0; i < RawStackDepth; i++ {
		off := 60 + i*8
		binary.LittleEndian.PutUint64(dst[off:off+8], e.RawStack[i])
	}
}

// decode reads one Event from src, which must be at least recordSize
// bytes.
func decode(src []byte) Event {
	_ = src[recordSize-1]

	e := Event{
		Kind:         Kind(src[0]),
		HasStackID:   src[1] != 0,
		HasVarName:   src[2] != 0,
		HasTypeName:  src[3] != 0,
		HasScopeName: src[4] != 0,
		Sampled:      src[5] != 0,
		HasRawStack:  src[6] != 0,
		RawStackLen:  src[7],
		Ptr:          binary.LittleEndian.Uint64(src[8:16]),
		Size:         binary.LittleEndian.Uint64(src[16:24]),
		Timestamp:    binary.LittleEndian.Uint64(src[24:32]),
		ThreadID:     binary.LittleEndian.Uint32(src[32:36]),
		StackID:      binary.LittleEndian.Uint32(src[36:40]),
		VarNameID:    binary.LittleEndian.Uint32(src[40:44]),
		TypeNameID:   binary.LittleEndian.Uint32(src[44:48]),
		ScopeNameID:  binary.LittleEndian.Uint32(src[48:52]),
		RefStrong:    binary.LittleEndian.Uint32(src[52:56]),
		RefWeak:      binary.LittleEndian.Uint32(src[56:60]),
	}

	for i := 0; i < RawStackDepth; i++ {
		off := 60 + i*8
		e.RawStack[i] = binary.LittleEndian.Uint64(src[off : off+8])
	}

	return e
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}
