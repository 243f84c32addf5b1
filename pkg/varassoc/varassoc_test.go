package varassoc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/pkg/eventsink"
	"github.com/corvid-labs/memtrace/pkg/intern"
	"github.com/corvid-labs/memtrace/pkg/varassoc"
)

// fakeLive is a minimal LiveRecord double: it reports "no live record" for
// every ptr it hasn't been told about via Seed, forcing Associate onto the
// speculative path unless seeded first.
type fakeLive struct {
	mu    sync.Mutex
	known map[uint64]bool
}

func newFakeLive() *fakeLive { return &fakeLive{known: make(map[uint64]bool)} }

func (f *fakeLive) Seed(ptr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[ptr] = true
}

func (f *fakeLive) UpsertAssociation(_ context.Context, ptr uint64, _ varassoc.Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[ptr] {
		return assocNotLive{}
	}

	return nil
}

type assocNotLive struct{}

func (assocNotLive) Error() string { return "no live record" }

func newTable(t *testing.T, live varassoc.LiveRecord) *varassoc.Table {
	t.Helper()

	sp, err := eventsink.NewSpiller(t.TempDir())
	require.NoError(t, err)

	registry := eventsink.NewRegistry(4096, sp, nil)
	names := intern.New(4)

	return varassoc.New(names, registry, live, 0)
}

func TestAssociate_BoundWhenLiveRecordExists(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.Seed(0x1000)

	tbl := newTable(t, live)

	err := tbl.Associate(context.Background(), 1, 0x1000, "x", "int", "main")
	require.NoError(t, err)

	_, ok := tbl.TakeSpeculative(context.Background(), 0x1000)
	assert.False(t, ok, "should not be speculative once bound")
}

func TestAssociate_SpeculativeWhenNoLiveRecord(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	tbl := newTable(t, live)

	err := tbl.Associate(context.Background(), 1, 0x2000, "y", "string", "main")
	require.NoError(t, err)

	assoc, ok := tbl.TakeSpeculative(context.Background(), 0x2000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), assoc.Ptr)
}

func TestTakeSpeculative_ConsumesOnce(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	tbl := newTable(t, live)

	require.NoError(t, tbl.Associate(context.Background(), 1, 0x3000, "z", "T", "s"))

	_, ok := tbl.TakeSpeculative(context.Background(), 0x3000)
	require.True(t, ok)

	_, ok = tbl.TakeSpeculative(context.Background(), 0x3000)
	assert.False(t, ok)
}
