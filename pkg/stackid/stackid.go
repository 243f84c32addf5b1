// Package stackid implements the call-stack normaliser (C2): it maps a
// sequence of frames to a stable stack id, storing each unique stack only
// once. Frame strings are interned through pkg/intern; the id table itself
// is a shardmap.Map keyed by the concatenated frame tuple, following the
// same shard-then-vector shape as pkg/intern.
package stackid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/corvid-labs/memtrace/pkg/intern"
	"github.com/corvid-labs/memtrace/pkg/shardmap"
)

// StackID is a stable identifier for a normalised call stack. ID 0 is
// reserved for the empty stack — this package's resolution of spec's open
// question on whether 0 means "no stack" or "empty stack": here it always
// means the empty stack, and callers that need an optional stack id carry
// a separate presence flag alongside the StackID, exactly as
// var_name_id/type_name_id/scope_name_id are optional fields on the
// allocation record.
type StackID uint32

// EmptyStack is the reserved id for the zero-length frame sequence.
const EmptyStack StackID = 0

// Frame is one normalised call-stack entry.
type Frame struct {
	FunctionNameID intern.ID
	FileNameID     intern.ID
	Line           uint32
	IsUnsafe       bool
}

// Stack is a canonical, immutable call-stack record.
type Stack struct {
	Frames    []Frame
	Truncated bool
}

// Table normalises frame sequences into stack ids and stores each unique
// sequence exactly once. The zero value is not usable; construct with New.
type Table struct {
	byKey *shardmap.Map[string, StackID]
	names *intern.Table

	mu     sync.Mutex
	byID   []Stack
	depth  int
}

// defaultDepthCap matches the spec's configuration surface default.
const defaultDepthCap = 64

// New constructs a Table backed by names for frame-string interning, with
// shardCount shards for the key->id map and depthCap frames retained before
// truncation (0 selects the default of 64).
func New(names *intern.Table, shardCount, depthCap int) *Table {
	if depthCap <= 0 {
		depthCap = defaultDepthCap
	}

	t := &Table{
		byKey: shardmap.New[string, StackID](shardCount),
		names: names,
		depth: depthCap,
		byID:  make([]Stack, 1, 256),
	}
	t.byID[0] = Stack{} // reserve id 0 for the empty stack

	return t
}

// RawFrame is a caller-supplied, not-yet-interned stack frame, as captured
// at a sampling point.
type RawFrame struct {
	FunctionName string
	FileName     string
	Line         uint32
	IsUnsafe     bool
}

// Normalize interns frames' strings and returns the stable StackID for the
// resulting sequence, truncating to the table's depth cap and setting the
// truncated flag when the input is longer. Equal frame sequences (after
// truncation) yield equal ids, including across distinct *RawFrame slices
// with identical content.
func (t *Table) Normalize(frames []RawFrame) StackID {
	if len(frames) == 0 {
		return EmptyStack
	}

	truncated := false

	if len(frames) > t.depth {
		frames = frames[:t.depth]
		truncated = true
	}

	normFrames := make([]Frame, len(frames))

	var keyBuilder strings.Builder

	for i, rf := range frames {
		funcID := t.names.Intern(rf.FunctionName)
		fileID := t.names.Intern(rf.FileName)

		normFrames[i] = Frame{
			FunctionNameID: funcID,
			FileNameID:     fileID,
			Line:           rf.Line,
			IsUnsafe:       rf.IsUnsafe,
		}

		fmt.Fprintf(&keyBuilder, "%d:%d:%d:%t|", funcID, fileID, rf.Line, rf.IsUnsafe)
	}

	if truncated {
		keyBuilder.WriteString("TRUNC")
	}

	key := keyBuilder.String()

	ctx := context.Background()
	if id, ok, _ := t.byKey.Get(ctx, key); ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok, _ := t.byKey.Get(ctx, key); ok {
		return id
	}

	id := StackID(len(t.byID))
	t.byID = append(t.byID, Stack{Frames: normFrames, Truncated: truncated})
	_, _ = t.byKey.Insert(ctx, key, id)

	return id
}

// Resolve returns the canonical frame sequence for id. Resolving
// EmptyStack returns a zero-length, non-truncated Stack.
func (t *Table) Resolve(id StackID) Stack {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.byID) {
		panic(fmt.Sprintf("stackid: id %d was never assigned", id))
	}

	return t.byID[id]
}

// Len returns the number of distinct stacks registered, including the
// reserved empty stack.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byID)
}

// Snapshot returns a copy of the id-ordered stack table, suitable for
// serialisation into a trace's stack table section.
func (t *Table) Snapshot() []Stack {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stack, len(t.byID))
	copy(out, t.byID)

	return out
}
