package metadata

import (
	"github.com/markregion/immix"
)

// RecycleResult reports what one recycling pass did to a block.
type RecycleResult struct {
	State         BlockState
	Holes         int
	FreeLines     int
	MarkedLines   int
	ExcludedLines int
}

// RecycleBlock converts one block's line marks into its post-collection classification
// and free-hole list. It is called once per block per collection cycle, after marking has
// completed, and consumes the marks: the block's line states are cleared before it
// returns.
//
// The scan walks lines left to right. Runs of unmarked lines become candidate holes, with
// two exceptions:
//
//   - Conservative boundary rule: the first unmarked line after a marked run is excluded,
//     because an object starting in the marked run may extend past the line boundary and
//     the mark bit alone cannot rule that out. A line whose state records that an object
//     begins at its first byte (LineObjectStart) is exempt: nothing can spill into it.
//   - Minimum granularity: candidate holes shorter than the geometry's minimum hole
//     length are folded into the excluded-line count instead of being recorded.
//
// Recorded holes are linked through the block's own memory in ascending line order. A
// block with no marked lines becomes Free with a single whole-block hole; a block with
// marks but no recorded holes becomes Unavailable with an empty list; anything else is
// Recyclable.
//
// Per-block work reads and writes only that block's metadata, line states, and memory, so
// a driver may dispatch blocks across workers freely.
func RecycleBlock(blocks *BlockTable, lines *LineTable, blockIndex int, blockBytes []byte) RecycleResult {
	g := blocks.Geometry()
	states := lines.BlockStates(blockIndex)
	totalLines := g.LinesPerBlock()
	minHole := g.MinHole()

	var holes []Hole
	var marked, excluded, free int

	holeStart := -1
	flushHole := func(end int) {
		if holeStart < 0 {
			return
		}
		length := end - holeStart
		if length < minHole {
			excluded += length
		} else {
			holes = append(holes, Hole{FirstLine: holeStart, Lines: length})
			free += length
		}
		holeStart = -1
	}

	afterMark := false
	for line := 0; line < totalLines; line++ {
		if states[line].Live() {
			flushHole(line)
			marked++
			afterMark = true
			continue
		}

		if afterMark && states[line] != LineObjectStart {
			excluded++
			afterMark = false
			continue
		}
		afterMark = false

		if holeStart < 0 {
			holeStart = line
		}
	}
	flushHole(totalLines)

	lines.reset(blockIndex)
	meta := blocks.Get(blockIndex)

	if marked == 0 {
		// Nothing live: the whole block is a single hole regardless of how the scan
		// carved it up.
		initFree(meta, g, blockBytes)
		return RecycleResult{State: BlockFree, Holes: 1, FreeLines: totalLines}
	}

	if len(holes) == 0 {
		meta.setHoleList(BlockUnavailable, 0, false, 0, marked, 0, excluded)
		return RecycleResult{State: BlockUnavailable, MarkedLines: marked, ExcludedLines: excluded}
	}

	for i, h := range holes {
		next, hasNext := 0, false
		if i+1 < len(holes) {
			next, hasNext = holes[i+1].FirstLine, true
		}
		writeHoleHeader(blockBytes, g, h, next, hasNext)
	}

	meta.setHoleList(BlockRecyclable, holes[0].FirstLine, true, len(holes), marked, free, excluded)
	return RecycleResult{
		State:         BlockRecyclable,
		Holes:         len(holes),
		FreeLines:     free,
		MarkedLines:   marked,
		ExcludedLines: excluded,
	}
}

// InitFreeBlock classifies a block as entirely free and installs its whole-block hole.
// Used for virgin blocks at heap construction and growth, and by the recycler's cheap
// path for idle free blocks.
func InitFreeBlock(blocks *BlockTable, blockIndex int, blockBytes []byte) {
	initFree(blocks.Get(blockIndex), blocks.Geometry(), blockBytes)
}

func initFree(meta *BlockMeta, g immix.Geometry, blockBytes []byte) {
	whole := Hole{FirstLine: 0, Lines: g.LinesPerBlock()}
	writeHoleHeader(blockBytes, g, whole, 0, false)
	meta.setHoleList(BlockFree, 0, true, 1, 0, whole.Lines, 0)
}
