// Package heap ties the arena, the metadata tables, and the block pools together into
// the allocation-facing core of an Immix-style mark-region collector. It serves object
// allocations through per-context Mutator cursors and converts each collection cycle's
// line marks back into allocatable free space.
package heap

import (
	"context"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/markregion/immix"
	"github.com/markregion/immix/arena"
	"github.com/markregion/immix/internal/utils"
	"github.com/markregion/immix/metadata"
	"golang.org/x/exp/slog"
)

// Collector is the collection driver hook. The heap calls Collect when an allocation
// finds both block pools empty; the implementation is expected to suspend mutators, run
// its tracer over the live graph, and finish with Heap.Recycle before returning.
type Collector interface {
	Collect(ctx context.Context) error
}

// Config configures a heap. The zero value of every field has a usable default except
// Collector, which may be left nil only if the consumer never allocates past the initial
// block supply.
type Config struct {
	// Geometry is the block/line subdivision. Zero means DefaultGeometry.
	Geometry immix.Geometry
	// InitialBlocks is the number of blocks mapped at construction. Zero means 64.
	InitialBlocks int
	// MaxBlocks caps heap growth. Zero means no cap.
	MaxBlocks int
	// RecycleWorkers is the number of goroutines Recycle fans per-block work across.
	// Values below 2 keep recycling on the calling goroutine.
	RecycleWorkers int
	// UseMutex guards the shared block pools. Leave it false only in single-threaded
	// runtimes with exactly one mutator context.
	UseMutex bool
	// Collector runs a collection cycle on allocation exhaustion.
	Collector Collector
	// Logger receives cycle and growth diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

const defaultInitialBlocks = 64

// Heap owns the block-aligned memory, the flat metadata tables, and the shared block
// pools. All mutator-facing allocation goes through Mutator cursors created with
// NewMutator; all collector-facing reclamation goes through MarkObject/LineTable and
// Recycle.
type Heap struct {
	geometry immix.Geometry
	arena    *arena.Arena
	blocks   *metadata.BlockTable
	lines    *metadata.LineTable
	pools    blockPools

	logger    *slog.Logger
	collector Collector
	maxBlocks int

	recycleWorkers int

	// lent tracks blocks currently borrowed by mutator cursors. Their in-memory hole
	// headers are being overwritten by allocations, so diagnostics must not walk them.
	lentMutex utils.OptionalMutex
	lent      map[int]bool

	collectMutex sync.Mutex

	mutatorMutex sync.Mutex
	mutators     []*Mutator
}

// New maps the initial blocks and files them all into the free pool. A memory-mapping
// failure is returned as-is and is fatal: the heap is not usable and the failure is not
// retried.
func New(config Config) (*Heap, error) {
	geometry := config.Geometry
	if geometry == (immix.Geometry{}) {
		geometry = immix.DefaultGeometry()
	}
	err := geometry.Validate()
	if err != nil {
		return nil, err
	}

	initialBlocks := config.InitialBlocks
	if initialBlocks == 0 {
		initialBlocks = defaultInitialBlocks
	}
	if config.MaxBlocks > 0 && initialBlocks > config.MaxBlocks {
		return nil, cerrors.Newf("%d initial blocks exceed the %d block cap", initialBlocks, config.MaxBlocks)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	heapArena, err := arena.New(geometry, initialBlocks)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		geometry:       geometry,
		arena:          heapArena,
		blocks:         metadata.NewBlockTable(geometry, initialBlocks),
		lines:          metadata.NewLineTable(geometry, initialBlocks),
		logger:         logger,
		collector:      config.Collector,
		maxBlocks:      config.MaxBlocks,
		recycleWorkers: config.RecycleWorkers,
		lent:           make(map[int]bool),
	}
	h.pools.mutex.UseMutex = config.UseMutex
	h.lentMutex.UseMutex = config.UseMutex

	for i := 0; i < initialBlocks; i++ {
		metadata.InitFreeBlock(h.blocks, i, heapArena.BlockBytes(i))
		h.pools.Release(i, metadata.BlockFree)
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "heap initialized",
		slog.Int("blocks", initialBlocks),
		slog.Int("blockSize", geometry.BlockSize),
		slog.Int("lineSize", geometry.LineSize),
	)

	return h, nil
}

// Geometry returns the heap's geometry.
func (h *Heap) Geometry() immix.Geometry {
	return h.geometry
}

// BlockCount returns the number of blocks currently mapped.
func (h *Heap) BlockCount() int {
	return h.blocks.Len()
}

// LineTable exposes the per-line mark table to the tracing collaborator.
func (h *Heap) LineTable() *metadata.LineTable {
	return h.lines
}

// BlockTable exposes the per-block metadata table to the collection driver.
func (h *Heap) BlockTable() *metadata.BlockTable {
	return h.blocks
}

// Arena exposes the address mapping to collaborators that hold raw object addresses.
func (h *Heap) Arena() *arena.Arena {
	return h.arena
}

// NewMutator creates an allocation cursor for one mutator context. The cursor is not
// goroutine safe; its owner must be the only user.
func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{heap: h}

	h.mutatorMutex.Lock()
	h.mutators = append(h.mutators, m)
	h.mutatorMutex.Unlock()

	return m
}

// MarkLine records a live object overlapping the given line. Tracer-facing.
func (h *Heap) MarkLine(block, line int) {
	h.lines.Mark(block, line)
}

// MarkObject marks every line the object at addr overlaps. It returns false for
// addresses outside the heap, which the tracer treats as off-heap references. An object
// extending past its block is an invariant violation and panics.
func (h *Heap) MarkObject(addr uintptr, size int) bool {
	if size < 1 {
		size = 1
	}
	block, first, ok := h.arena.LineForAddress(addr)
	if !ok {
		return false
	}
	offset := int(addr - h.arena.BlockBase(block))
	last := h.geometry.LineIndex(offset + size - 1)
	h.lines.MarkRange(block, first, last)
	return true
}

// acquireBlock pulls a block for a mutator cursor, recyclable blocks first.
func (h *Heap) acquireBlock() (int, bool) {
	block, ok := h.pools.AcquireBlock()
	if ok {
		h.markLent(block)
	}
	return block, ok
}

// acquireFreeBlock pulls a virgin block for overflow allocation.
func (h *Heap) acquireFreeBlock() (int, bool) {
	block, ok := h.pools.AcquireFreeBlock()
	if ok {
		h.markLent(block)
	}
	return block, ok
}

func (h *Heap) markLent(block int) {
	h.lentMutex.Lock()
	h.lent[block] = true
	h.lentMutex.Unlock()
}

func (h *Heap) isLent(block int) bool {
	h.lentMutex.Lock()
	defer h.lentMutex.Unlock()
	return h.lent[block]
}

// runCollection invokes the configured collector exactly once. Concurrent exhausted
// mutators serialize here; by the time a waiter gets the lock the pools may have been
// refilled already, and its retry will find out.
func (h *Heap) runCollection() error {
	h.collectMutex.Lock()
	defer h.collectMutex.Unlock()

	if h.collector == nil {
		return cerrors.Wrap(immix.ErrExhausted, "no collector configured to run a collection cycle")
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation exhausted block pools, triggering collection cycle")
	return h.collector.Collect(context.Background())
}

// Recycle converts the cycle's line marks into fresh block classifications and hole
// lists, then rebuilds both pools. The collection driver calls it after marking
// completes, while mutators are suspended; every mutator cursor is reset so the next
// allocation pulls recycled blocks.
//
// Per-block work is independent, so with Config.RecycleWorkers above 1 blocks are
// dispatched across that many goroutines.
func (h *Heap) Recycle() {
	h.mutatorMutex.Lock()
	for _, m := range h.mutators {
		m.Reset()
	}
	h.mutatorMutex.Unlock()

	h.pools.Clear()
	h.lentMutex.Lock()
	h.lent = make(map[int]bool)
	h.lentMutex.Unlock()

	blockCount := h.blocks.Len()
	results := make([]metadata.RecycleResult, blockCount)

	recycleOne := func(i int) {
		meta := h.blocks.Get(i)
		if !h.lines.Touched(i) && meta.State() == metadata.BlockFree {
			// Idle free block: nothing to scan, reinstall the whole-block hole.
			metadata.InitFreeBlock(h.blocks, i, h.arena.BlockBytes(i))
			results[i] = metadata.RecycleResult{
				State:     metadata.BlockFree,
				Holes:     1,
				FreeLines: h.geometry.LinesPerBlock(),
			}
			return
		}
		results[i] = metadata.RecycleBlock(h.blocks, h.lines, i, h.arena.BlockBytes(i))
	}

	if h.recycleWorkers > 1 && blockCount > 1 {
		indices := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < h.recycleWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range indices {
					recycleOne(i)
				}
			}()
		}
		for i := 0; i < blockCount; i++ {
			indices <- i
		}
		close(indices)
		wg.Wait()
	} else {
		for i := 0; i < blockCount; i++ {
			recycleOne(i)
		}
	}

	var free, recyclable, unavailable int
	for i := 0; i < blockCount; i++ {
		h.pools.Release(i, results[i].State)
		switch results[i].State {
		case metadata.BlockFree:
			free++
		case metadata.BlockRecyclable:
			recyclable++
		case metadata.BlockUnavailable:
			unavailable++
		}
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "recycled heap blocks",
		slog.Int("free", free),
		slog.Int("recyclable", recyclable),
		slog.Int("unavailable", unavailable),
	)
}

// Grow maps additional blocks and files them into the free pool. Failure is fatal for
// the requested growth and is not retried; the existing heap is unaffected.
func (h *Heap) Grow(blockCount int) error {
	if h.maxBlocks > 0 && h.blocks.Len()+blockCount > h.maxBlocks {
		return cerrors.Wrapf(immix.ErrOutOfMemory,
			"growing by %d blocks would exceed the %d block cap", blockCount, h.maxBlocks)
	}

	first, err := h.arena.Grow(blockCount)
	if err != nil {
		return err
	}

	h.blocks.Grow(blockCount)
	h.lines.Grow(blockCount)

	for i := first; i < first+blockCount; i++ {
		metadata.InitFreeBlock(h.blocks, i, h.arena.BlockBytes(i))
		h.pools.Release(i, metadata.BlockFree)
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap grown",
		slog.Int("newBlocks", blockCount),
		slog.Int("totalBlocks", h.blocks.Len()),
	)

	return nil
}

// Stats returns the heap's coarse statistics: block totals plus lifetime allocation
// counters summed over all mutator cursors.
func (h *Heap) Stats() immix.Statistics {
	var stats immix.Statistics
	stats.BlockCount = h.blocks.Len()
	stats.BlockBytes = h.blocks.Len() * h.geometry.BlockSize

	h.mutatorMutex.Lock()
	for _, m := range h.mutators {
		m.AddStatistics(&stats)
	}
	h.mutatorMutex.Unlock()

	return stats
}

// AddDetailedStatistics sums the heap's per-block accounting and hole census into stats.
// Hole lists of blocks currently lent to mutator cursors are being consumed and are not
// walked.
func (h *Heap) AddDetailedStatistics(stats *immix.DetailedStatistics) {
	h.blocks.AddDetailedStatistics(stats)

	h.mutatorMutex.Lock()
	for _, m := range h.mutators {
		m.AddStatistics(&stats.Statistics)
	}
	h.mutatorMutex.Unlock()

	for i := 0; i < h.blocks.Len(); i++ {
		if h.isLent(i) {
			continue
		}
		list := metadata.Holes(h.arena.BlockBytes(i), h.geometry, h.blocks.Get(i))
		for {
			hole, ok := list.Next()
			if !ok {
				break
			}
			stats.AddHole(hole.SizeBytes(h.geometry))
		}
	}
}

// WriteStatsJSON populates a json object with the heap's totals and a per-block map,
// in the spirit of a detailed allocator dump.
func (h *Heap) WriteStatsJSON(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	var stats immix.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	obj.Name("TotalBytes").Int(stats.BlockBytes)
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("FreeBlocks").Int(stats.FreeBlockCount)
	obj.Name("RecyclableBlocks").Int(stats.RecyclableBlockCount)
	obj.Name("UnavailableBlocks").Int(stats.UnavailableBlockCount)
	obj.Name("MarkedLines").Int(stats.MarkedLineCount)
	obj.Name("FreeLines").Int(stats.FreeLineCount)
	obj.Name("ExcludedLines").Int(stats.ExcludedLineCount)
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("AllocatedBytes").Int(stats.AllocationBytes)

	blocksArr := obj.Name("Blocks").Array()
	defer blocksArr.End()

	for i := 0; i < h.blocks.Len(); i++ {
		meta := h.blocks.Get(i)

		blockObj := blocksArr.Object()
		blockObj.Name("Index").Int(i)
		blockObj.Name("State").String(meta.State().String())
		blockObj.Name("MarkedLines").Int(meta.MarkedLineCount())
		blockObj.Name("FreeLines").Int(meta.FreeLineCount())
		blockObj.Name("ExcludedLines").Int(meta.ExcludedLineCount())

		if h.isLent(i) {
			blockObj.Name("InUse").Bool(true)
			blockObj.End()
			continue
		}

		holesArr := blockObj.Name("Holes").Array()
		list := metadata.Holes(h.arena.BlockBytes(i), h.geometry, meta)
		for {
			hole, ok := list.Next()
			if !ok {
				break
			}
			holeObj := holesArr.Object()
			holeObj.Name("Line").Int(hole.FirstLine)
			holeObj.Name("Lines").Int(hole.Lines)
			holeObj.End()
		}
		holesArr.End()
		blockObj.End()
	}
}

// Validate performs internal consistency checks across the tables and pools. When the
// heap is functioning correctly this cannot return an error; it exists for diagnostics
// and the debug build tag's DebugValidate.
func (h *Heap) Validate() error {
	err := h.lines.Validate()
	if err != nil {
		return err
	}
	err = h.blocks.Validate()
	if err != nil {
		return err
	}
	return h.pools.validateAgainst(h.blocks)
}

// CheckCorruption validates the debug magic marker trailing the most recent allocation of
// each of the given mutator's cursors. Without per-object size records, earlier markers in
// the hole cannot be located, so only the trailing one is checked. It only has teeth when
// the module is built with the debug_immix_heap tag; without it the markers are zero bytes
// wide and the check passes vacuously.
func (h *Heap) CheckCorruption(m *Mutator) error {
	for _, c := range []*bumpCursor{&m.current, &m.overflow} {
		if c.bytes == nil {
			continue
		}
		// The marker sits in the DebugMargin bytes immediately before the cursor.
		if immix.DebugMargin > 0 && c.cursor >= immix.DebugMargin {
			if !immix.ValidateMagicValue(c.bytes, c.cursor-immix.DebugMargin) {
				return cerrors.Newf("memory corruption detected before offset %d of block %d", c.cursor, c.block)
			}
		}
	}
	return nil
}

// Release unmaps the heap's memory. All blocks, slices, and cursors are dead afterwards.
func (h *Heap) Release() error {
	return h.arena.Release()
}
