package aggregator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/pkg/aggregator"
	"github.com/corvid-labs/memtrace/pkg/allochook"
	"github.com/corvid-labs/memtrace/pkg/eventsink"
)

func newTracker(t *testing.T) *aggregator.Tracker {
	t.Helper()

	tr, err := aggregator.New(aggregator.Config{
		ShardCount:           4,
		HistoryCapacity:      1000,
		PerThreadBufferBytes: 1 << 16,
		SpillDir:             t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Init())

	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	return tr
}

// scenario 1: single-threaded, three live allocations, each associated
// with a variable name.
func TestScenario_SingleThreadedThreeLiveAllocations(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	ctx := context.Background()

	hook := allochook.New(tr.Registry, allochook.Config{SamplingRate: 1})

	const sink = eventsink.SinkID(1)

	hook.Notify(sink, 0x1000, 24, allochook.KindAlloc)
	require.NoError(t, tr.Assoc.Associate(ctx, sink, 0x1000, "nums", "[]int", "main"))

	hook.Notify(sink, 0x2000, 16, allochook.KindAlloc)
	require.NoError(t, tr.Assoc.Associate(ctx, sink, 0x2000, "greeting", "string", "main"))

	hook.Notify(sink, 0x3000, 8, allochook.KindAlloc)
	require.NoError(t, tr.Assoc.Associate(ctx, sink, 0x3000, "boxed", "*int", "main"))

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Live, 3)

	for _, rec := range snap.Live {
		assert.True(t, rec.HasVarName)
	}
}

// scenario 2: pointer reuse after a free produces two distinct records.
func TestScenario_PointerReuse(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	ctx := context.Background()

	hook := allochook.New(tr.Registry, allochook.Config{SamplingRate: 1})
	const sink = eventsink.SinkID(1)
	const ptr = uint64(0x1000)

	hook.Notify(sink, ptr, 64, allochook.KindAlloc)
	hook.Notify(sink, ptr, 0, allochook.KindDealloc)
	hook.Notify(sink, ptr, 128, allochook.KindAlloc)

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Live, 1)
	assert.Equal(t, uint64(128), snap.Live[0].Size)

	require.Len(t, snap.HistoryTail, 1)
	assert.Equal(t, uint64(64), snap.HistoryTail[0].Size)
	assert.LessOrEqual(t, snap.HistoryTail[0].AllocTimestamp, snap.HistoryTail[0].DeallocTimestamp)
	assert.Less(t, snap.HistoryTail[0].DeallocTimestamp, snap.Live[0].AllocTimestamp)
}

// scenario 3 (scaled down): many goroutines each perform allocate/free
// pairs against independent keys; after the dust settles, nothing is
// live and the total recorded events match what was appended minus drops.
func TestScenario_HighConcurrencyAllFreed(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	ctx := context.Background()

	hook := allochook.New(tr.Registry, allochook.Config{SamplingRate: 1})

	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup

	for g := range goroutines {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			sinkID := eventsink.SinkID(g + 1)

			for i := range perGoroutine {
				ptr := uint64(g)<<32 | uint64(i)
				hook.Notify(sinkID, ptr, 8, allochook.KindAlloc)
				hook.Notify(sinkID, ptr, 0, allochook.KindDealloc)
			}
		}(g)
	}

	wg.Wait()

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)

	assert.Empty(t, snap.Live)

	var totalAppended uint64

	tr.Registry.ForEach(func(s *eventsink.Sink) {
		totalAppended += s.Stats().TotalEvents
	})

	assert.Equal(t, uint64(goroutines*perGoroutine*2), totalAppended)
}

// scenario 6: an association that arrives before the matching Alloc event
// still ends up bound to the live record.
func TestScenario_AssociationRace(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	ctx := context.Background()

	const sink = eventsink.SinkID(1)
	const ptr = uint64(0x4000)

	require.NoError(t, tr.Assoc.Associate(ctx, sink, ptr, "x", "T", "main"))

	hook := allochook.New(tr.Registry, allochook.Config{SamplingRate: 1})
	hook.Notify(sink, ptr, 64, allochook.KindAlloc)

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Live, 1)
	assert.True(t, snap.Live[0].HasVarName)
}
