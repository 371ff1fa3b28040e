package metadata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/markregion/immix"
)

// BlockState classifies a block after recycling. It is the unit of allocation-pool
// membership: Free blocks sit in the free pool, Recyclable blocks in the recyclable
// pool, Unavailable blocks in neither until a later cycle reclassifies them.
type BlockState uint8

const (
	// BlockFree means no line in the block is live; the block is one whole-block hole.
	BlockFree BlockState = iota
	// BlockRecyclable means the block holds live lines but also at least one usable hole.
	BlockRecyclable
	// BlockUnavailable means the block's free lines cannot host even the minimum
	// allocation unit. The block is parked until the next collection cycle.
	BlockUnavailable
)

var blockStateMapping = map[BlockState]string{
	BlockFree:        "Free",
	BlockRecyclable:  "Recyclable",
	BlockUnavailable: "Unavailable",
}

func (s BlockState) String() string {
	return blockStateMapping[s]
}

// BlockMeta is one block's metadata record. It is pure storage: the recycler is the only
// writer of the classification fields, and correctness of every derived decision lives
// there.
type BlockMeta struct {
	state BlockState

	hasHole       bool
	firstHoleLine uint16
	holeCount     uint16

	markedLines   uint16
	freeLines     uint16
	excludedLines uint16
}

// State returns the block's classification as of the last recycling pass.
func (m *BlockMeta) State() BlockState {
	return m.state
}

// MarkedLineCount returns the number of live lines found by the last recycling pass.
func (m *BlockMeta) MarkedLineCount() int {
	return int(m.markedLines)
}

// FreeLineCount returns the total length, in lines, of the block's hole list.
func (m *BlockMeta) FreeLineCount() int {
	return int(m.freeLines)
}

// ExcludedLineCount returns the number of lines withheld from reuse by the conservative
// boundary rule or by the minimum-hole policy.
func (m *BlockMeta) ExcludedLineCount() int {
	return int(m.excludedLines)
}

// HoleCount returns the number of holes in the block's free-hole list.
func (m *BlockMeta) HoleCount() int {
	return int(m.holeCount)
}

// HoleListHead returns the line index of the first hole, if any.
func (m *BlockMeta) HoleListHead() (int, bool) {
	return int(m.firstHoleLine), m.hasHole
}

// setHoleList installs the block's classification and hole accounting. Only the recycler
// calls this.
func (m *BlockMeta) setHoleList(state BlockState, head int, hasHead bool, holes, marked, free, excluded int) {
	m.state = state
	m.hasHole = hasHead
	m.firstHoleLine = uint16(head)
	m.holeCount = uint16(holes)
	m.markedLines = uint16(marked)
	m.freeLines = uint16(free)
	m.excludedLines = uint16(excluded)
}

// BlockTable is the flat metadata table, one record per block, indexed by the arena's
// global block index.
type BlockTable struct {
	geometry immix.Geometry
	metas    []BlockMeta
}

func NewBlockTable(geometry immix.Geometry, blockCount int) *BlockTable {
	return &BlockTable{
		geometry: geometry,
		metas:    make([]BlockMeta, blockCount),
	}
}

// Geometry returns the geometry the table was created with.
func (t *BlockTable) Geometry() immix.Geometry {
	return t.geometry
}

// Len returns the number of blocks the table covers.
func (t *BlockTable) Len() int {
	return len(t.metas)
}

// Grow extends the table to cover blockCount additional blocks.
func (t *BlockTable) Grow(blockCount int) {
	t.metas = append(t.metas, make([]BlockMeta, blockCount)...)
}

// Get returns the metadata record for the given block. The record is owned by the table;
// callers must not retain it across a Grow.
func (t *BlockTable) Get(block int) *BlockMeta {
	if block < 0 || block >= len(t.metas) {
		panic(fmt.Sprintf("block index %d out of range, table covers %d blocks", block, len(t.metas)))
	}
	return &t.metas[block]
}

// AddDetailedStatistics sums the table's per-block accounting into stats. Hole sizes are
// not walked here; the heap adds those from block memory.
func (t *BlockTable) AddDetailedStatistics(stats *immix.DetailedStatistics) {
	for i := range t.metas {
		m := &t.metas[i]
		stats.BlockCount++
		stats.BlockBytes += t.geometry.BlockSize

		switch m.state {
		case BlockFree:
			stats.FreeBlockCount++
		case BlockRecyclable:
			stats.RecyclableBlockCount++
		case BlockUnavailable:
			stats.UnavailableBlockCount++
		}

		stats.MarkedLineCount += int(m.markedLines)
		stats.FreeLineCount += int(m.freeLines)
		stats.ExcludedLineCount += int(m.excludedLines)
	}
}

// Validate checks each record against the conservation invariant: hole lines, marked
// lines, and excluded lines partition the block exactly.
func (t *BlockTable) Validate() error {
	lines := t.geometry.LinesPerBlock()
	for i := range t.metas {
		m := &t.metas[i]

		total := int(m.freeLines) + int(m.markedLines) + int(m.excludedLines)
		if total != lines {
			return cerrors.Newf("block %d accounts for %d lines, the block holds %d", i, total, lines)
		}

		switch m.state {
		case BlockFree:
			if m.markedLines != 0 {
				return cerrors.Newf("block %d is Free but has %d marked lines", i, m.markedLines)
			}
			if !m.hasHole {
				return cerrors.Newf("block %d is Free but has no hole list", i)
			}
		case BlockRecyclable:
			if !m.hasHole {
				return cerrors.Newf("block %d is Recyclable but has no hole list", i)
			}
			if m.freeLines == 0 {
				return cerrors.Newf("block %d is Recyclable but has no free lines", i)
			}
		case BlockUnavailable:
			if m.hasHole {
				return cerrors.Newf("block %d is Unavailable but carries a hole list", i)
			}
		default:
			return cerrors.Newf("block %d holds invalid state %d", i, m.state)
		}

		if m.hasHole && int(m.firstHoleLine) >= lines {
			return cerrors.Newf("block %d hole list starts at line %d, the block holds %d lines", i, m.firstHoleLine, lines)
		}
	}
	return nil
}
