package heap_test

import (
	"sync"
	"testing"

	"github.com/markregion/immix"
	"github.com/markregion/immix/heap"
	"github.com/stretchr/testify/require"
)

func TestConcurrentMutators(t *testing.T) {
	const (
		mutators         = 4
		allocsPerMutator = 16
	)

	// Enough blocks that no mutator ever exhausts the pools: each mutator needs at
	// most two blocks for its sixteen line-sized allocations.
	h, err := heap.New(heap.Config{
		Geometry:      smallGeometry(),
		InitialBlocks: 16,
		UseMutex:      true,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, h.Release())
	}()

	var wg sync.WaitGroup
	errs := make([]error, mutators)

	for i := 0; i < mutators; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m := h.NewMutator()
			for j := 0; j < allocsPerMutator; j++ {
				buf, allocErr := m.Alloc(128)
				if allocErr != nil {
					errs[id] = allocErr
					return
				}
				// Stamp the allocation so overlapping ranges would be caught by
				// another goroutine's stamp check.
				for k := range buf {
					buf[k] = byte(id + 1)
				}
				for k := range buf {
					if buf[k] != byte(id+1) {
						errs[id] = immix.ErrExhausted
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "mutator %d failed", i)
	}

	stats := h.Stats()
	require.Equal(t, mutators*allocsPerMutator, stats.AllocationCount)
	require.Equal(t, mutators*allocsPerMutator*128, stats.AllocationBytes)
	require.NoError(t, h.Validate())
}

func TestCheckCorruption(t *testing.T) {
	h := newTestHeap(t, 2, nil)
	m := h.NewMutator()

	for i := 0; i < 4; i++ {
		_, err := m.Alloc(64)
		require.NoError(t, err)
	}
	_, err := m.Alloc(300)
	require.NoError(t, err)

	require.NoError(t, h.CheckCorruption(m))
}
