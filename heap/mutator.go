package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/markregion/immix"
	"github.com/markregion/immix/metadata"
)

// bumpCursor is a bump-pointer allocation range inside one block.
type bumpCursor struct {
	block  int
	bytes  []byte
	cursor int
	limit  int
}

func (c *bumpCursor) fits(size int) bool {
	return c.bytes != nil && c.cursor+size <= c.limit
}

func (c *bumpCursor) clear() {
	*c = bumpCursor{}
}

// Mutator is a per-allocation-context allocator cursor. It consumes the free holes of
// blocks borrowed from the heap's shared pools, one bump at a time. The fast path
// touches no shared state, so a Mutator must not be used from more than one goroutine;
// create one per mutator context instead.
type Mutator struct {
	heap *Heap

	// current is the small-object cursor inside the active hole; nextHole is the
	// remaining hole list of the active block.
	current  bumpCursor
	nextHole int
	hasNext  bool

	// overflow is the medium-object cursor. Objects wider than a line always bump
	// here, inside a dedicated virgin block, so they do not burn through the
	// recyclable pool's fragmented holes.
	overflow bumpCursor

	allocationCount int
	allocationBytes int
}

// Alloc serves one object allocation of the given size in bytes. The returned slice is
// the object's memory within a heap block; its length is the word-aligned size. Content
// is whatever the block last held, zeroing is the caller's policy.
//
// When both block pools are exhausted Alloc triggers one collection cycle through the
// heap's collector and retries once; if space is still unavailable it returns an error
// wrapping immix.ErrOutOfMemory, which is fatal and must not be retried.
func (m *Mutator) Alloc(size int) ([]byte, error) {
	if size < 1 {
		return nil, cerrors.Newf("invalid allocation size %d", size)
	}

	aligned := immix.AlignUp(size, immix.WordSize)
	total := aligned + immix.DebugMargin
	if total > m.heap.geometry.BlockSize {
		return nil, cerrors.Wrapf(immix.ErrObjectTooLarge,
			"%d bytes requested, blocks hold %d", size, m.heap.geometry.BlockSize)
	}

	// Medium objects would fragment hole-by-hole scanning; they always take the
	// overflow path, even when the current hole could host them.
	if total > m.heap.geometry.LineSize {
		return m.allocOverflow(aligned, total)
	}

	if m.current.fits(total) {
		return m.bump(&m.current, aligned, total), nil
	}

	return m.allocSlow(aligned, total)
}

// AllocWords serves an allocation sized in machine words.
func (m *Mutator) AllocWords(words int) ([]byte, error) {
	return m.Alloc(words * immix.WordSize)
}

// bump advances the cursor and returns the pre-bump memory. The slice capacity is clamped
// so the object cannot write past its own extent.
func (m *Mutator) bump(c *bumpCursor, aligned, total int) []byte {
	start := c.cursor
	c.cursor += total

	immix.WriteMagicValue(c.bytes, start+aligned)

	// An object beginning exactly at a line boundary proves nothing spills into that
	// line from its predecessor; record it so the recycler can skip the conservative
	// exclusion there.
	if start%m.heap.geometry.LineSize == 0 {
		m.heap.lines.RecordObjectStart(c.block, m.heap.geometry.LineIndex(start))
	}

	m.allocationCount++
	m.allocationBytes += aligned

	return c.bytes[start : start+aligned : start+aligned]
}

func (m *Mutator) allocSlow(aligned, total int) ([]byte, error) {
	// Advance through the active block's remaining holes.
	if m.advanceHole(total) {
		return m.bump(&m.current, aligned, total), nil
	}

	retried := false
	for {
		block, ok := m.heap.acquireBlock()
		if !ok {
			err := m.collectOnce(&retried)
			if err != nil {
				return nil, err
			}
			continue
		}

		m.enterBlock(block)
		if m.advanceHole(total) {
			return m.bump(&m.current, aligned, total), nil
		}
	}
}

// advanceHole moves the current cursor to the next hole in the active block that can host
// size bytes. Holes it skips are abandoned until the next collection cycle.
func (m *Mutator) advanceHole(size int) bool {
	for m.hasNext {
		hole, next, hasNext := metadata.ReadHole(m.current.bytes, m.heap.geometry, m.nextHole)
		m.nextHole, m.hasNext = next, hasNext

		m.current.cursor = hole.StartOffset(m.heap.geometry)
		m.current.limit = hole.EndOffset(m.heap.geometry)
		if m.current.fits(size) {
			return true
		}
	}
	return false
}

// allocOverflow serves objects larger than a line out of a dedicated bump block taken
// from the free pool, so fragmented recyclable holes keep serving small objects.
func (m *Mutator) allocOverflow(aligned, total int) ([]byte, error) {
	if m.overflow.fits(total) {
		return m.bump(&m.overflow, aligned, total), nil
	}

	retried := false
	for {
		block, ok := m.heap.acquireFreeBlock()
		if !ok {
			err := m.collectOnce(&retried)
			if err != nil {
				return nil, err
			}
			continue
		}

		bytes := m.heap.arena.BlockBytes(block)
		hole, _, _ := metadata.ReadHole(bytes, m.heap.geometry, 0)
		m.overflow = bumpCursor{
			block:  block,
			bytes:  bytes,
			cursor: hole.StartOffset(m.heap.geometry),
			limit:  hole.EndOffset(m.heap.geometry),
		}
		if m.overflow.fits(total) {
			return m.bump(&m.overflow, aligned, total), nil
		}
	}
}

// collectOnce triggers a collection cycle the first time the pools come up empty during
// a single allocation. A second exhaustion is out-of-memory.
func (m *Mutator) collectOnce(retried *bool) error {
	if *retried {
		return cerrors.Wrap(immix.ErrOutOfMemory, "block pools still empty immediately after a collection cycle")
	}
	*retried = true
	return m.heap.runCollection()
}

// enterBlock points the cursor at a freshly acquired block. The cursor starts exhausted;
// advanceHole loads the block's first hole.
func (m *Mutator) enterBlock(block int) {
	meta := m.heap.blocks.Get(block)
	head, ok := meta.HoleListHead()

	m.current = bumpCursor{
		block: block,
		bytes: m.heap.arena.BlockBytes(block),
	}
	m.nextHole, m.hasNext = head, ok
}

// Reset drops the cursor state. The heap calls this at the start of each collection
// cycle, while mutators are suspended, so the next allocation pulls freshly recycled
// blocks.
func (m *Mutator) Reset() {
	m.current.clear()
	m.overflow.clear()
	m.nextHole = 0
	m.hasNext = false
}

// AddStatistics sums this mutator's lifetime allocation counters into stats.
func (m *Mutator) AddStatistics(stats *immix.Statistics) {
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.allocationBytes
}
