package heap

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/markregion/immix/internal/utils"
	"github.com/markregion/immix/metadata"
)

// blockPools is the shared free/recyclable block store of the heap. The free pool is a
// stack of entirely-free blocks; the recyclable pool is a FIFO queue of partially-free
// blocks. Acquisition prefers recyclable blocks to pack new allocations into already
// fragmented space before consuming virgin blocks.
//
// Every method takes the pool lock; contention is rare relative to allocation volume
// because one acquisition amortizes over a whole block's worth of bump allocations.
type blockPools struct {
	mutex utils.OptionalRWMutex

	free       []int
	recyclable []int
	// recyclableHead avoids shifting the queue on every pop.
	recyclableHead int

	parked int
}

// AcquireBlock hands out a block index, recyclable blocks first. The second return value
// is false when both pools are empty; the caller is expected to trigger a collection
// cycle.
func (p *blockPools) AcquireBlock() (int, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.recyclableHead < len(p.recyclable) {
		block := p.recyclable[p.recyclableHead]
		p.recyclableHead++
		return block, true
	}

	return p.popFree()
}

// AcquireFreeBlock hands out a block from the free pool only. Overflow allocation uses
// this: medium objects want a virgin bump range, not a fragmented one.
func (p *blockPools) AcquireFreeBlock() (int, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.popFree()
}

func (p *blockPools) popFree() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	block := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return block, true
}

// Release re-files a block after recycling has classified it. Unavailable blocks are
// parked: they belong to no pool until a later cycle reclassifies them.
func (p *blockPools) Release(block int, state metadata.BlockState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	switch state {
	case metadata.BlockFree:
		p.free = append(p.free, block)
	case metadata.BlockRecyclable:
		p.recyclable = append(p.recyclable, block)
	case metadata.BlockUnavailable:
		p.parked++
	default:
		panic(fmt.Sprintf("cannot pool block %d with invalid state %d", block, state))
	}
}

// Clear empties both pools. The recycler rebuilds them from scratch each cycle.
func (p *blockPools) Clear() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.free = p.free[:0]
	p.recyclable = p.recyclable[:0]
	p.recyclableHead = 0
	p.parked = 0
}

// Counts returns the current pool depths and the parked-block count.
func (p *blockPools) Counts() (free, recyclable, parked int) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.free), len(p.recyclable) - p.recyclableHead, p.parked
}

// validateAgainst checks pool membership against the block table: no block may appear
// twice, and a pooled block's state must match its pool.
func (p *blockPools) validateAgainst(blocks *metadata.BlockTable) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	seen := make(map[int]bool, len(p.free)+len(p.recyclable))

	for _, block := range p.free {
		if seen[block] {
			return cerrors.Newf("block %d pooled more than once", block)
		}
		seen[block] = true
		if state := blocks.Get(block).State(); state != metadata.BlockFree {
			return cerrors.Newf("block %d is in the free pool but its state is %s", block, state)
		}
	}

	for _, block := range p.recyclable[p.recyclableHead:] {
		if seen[block] {
			return cerrors.Newf("block %d pooled more than once", block)
		}
		seen[block] = true
		if state := blocks.Get(block).State(); state != metadata.BlockRecyclable {
			return cerrors.Newf("block %d is in the recyclable pool but its state is %s", block, state)
		}
	}

	return nil
}
