package allochook_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/pkg/allochook"
	"github.com/corvid-labs/memtrace/pkg/eventsink"
)

func newHook(t *testing.T, cfg allochook.Config) (*allochook.Hook, *eventsink.Registry) {
	t.Helper()

	sp, err := eventsink.NewSpiller(t.TempDir())
	require.NoError(t, err)

	registry := eventsink.NewRegistry(4096, sp, nil)

	return allochook.New(registry, cfg), registry
}

func TestHook_SamplingRateOneRecordsEverything(t *testing.T) {
	t.Parallel()

	h, registry := newHook(t, allochook.Config{SamplingRate: 1})

	for i := range uint64(10) {
		h.Notify(1, 0x1000+i, 8, allochook.KindAlloc)
	}

	stats := registry.Sink(1).Stats()
	assert.Equal(t, uint64(10), stats.TotalEvents)
}

func TestHook_SamplingRateZeroRecordsNothing(t *testing.T) {
	t.Parallel()

	h, registry := newHook(t, allochook.Config{SamplingRate: 0})

	for i := range uint64(10) {
		h.Notify(1, 0x1000+i, 8, allochook.KindAlloc)
	}

	stats := registry.Sink(1).Stats()
	assert.Equal(t, uint64(0), stats.TotalEvents)
}

func TestHook_SuppressedSinkDropsEvents(t *testing.T) {
	t.Parallel()

	h, registry := newHook(t, allochook.Config{SamplingRate: 1})

	sink := registry.Sink(2)
	sink.SetSuppressed(true)

	h.Notify(2, 0x2000, 8, allochook.KindAlloc)

	assert.Equal(t, uint64(0), sink.Stats().TotalEvents)
}

func TestAlloc_EmitsAllocThenFinalizerDealloc(t *testing.T) {
	h, registry := newHook(t, allochook.Config{SamplingRate: 1})

	func() {
		v := allochook.Alloc[int](h, 3, 8)
		*v = 42
	}()

	for range 5 {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	events, err := registry.Sink(3).FlushAndSeal(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 1)
	assert.Equal(t, eventsink.KindAlloc, events[0].Kind)
}

func TestHook_CaptureStackRecordsRawPCsWithoutNormalizing(t *testing.T) {
	t.Parallel()

	h, registry := newHook(t, allochook.Config{SamplingRate: 1, CaptureStack: true})

	h.Notify(4, 0x4000, 8, allochook.KindAlloc)

	events, err := registry.Sink(4).FlushAndSeal(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.HasRawStack)
	assert.Greater(t, ev.RawStackLen, uint8(0))
	assert.False(t, ev.HasStackID, "captureRawStack must not normalize on the hot path")
	assert.NotZero(t, ev.RawStack[0], "first captured PC should be non-zero")
}
