package historyring_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/memtrace/pkg/historyring"
)

func TestRing_PushUnderCapacity(t *testing.T) {
	t.Parallel()

	r := historyring.New(4)

	r.Push(historyring.Record{Ptr: 1})
	r.Push(historyring.Record{Ptr: 2})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, uint64(0), r.Evicted())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].Ptr)
	assert.Equal(t, uint64(2), snap[1].Ptr)
}

func TestRing_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	r := historyring.New(3)

	for i := uint64(1); i <= 5; i++ {
		r.Push(historyring.Record{Ptr: i})
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(2), r.Evicted())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{snap[0].Ptr, snap[1].Ptr, snap[2].Ptr})
}

func TestRing_NeverExceedsCapacityUnderConcurrency(t *testing.T) {
	t.Parallel()

	const capacity = 50

	r := historyring.New(capacity)

	var wg sync.WaitGroup

	for i := range 2000 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			r.Push(historyring.Record{Ptr: uint64(i)})
		}(i)
	}

	wg.Wait()

	assert.Equal(t, capacity, r.Len())
	assert.Equal(t, uint64(2000-capacity), r.Evicted())
}
