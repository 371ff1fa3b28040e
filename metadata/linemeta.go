// Package metadata holds the flat per-block and per-line bookkeeping tables of a
// mark-region heap, the free-hole model threaded through block memory, and the recycler
// that turns a collection cycle's line marks into allocatable holes.
//
// The tables are storage only: every derived decision (block classification, hole
// construction, the conservative boundary rule) lives in the recycler so it can be
// audited and tested in one place.
package metadata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/markregion/immix"
)

// LineState is the per-line liveness state written by the tracer and the allocator and
// consumed by the recycler.
type LineState uint8

const (
	// LineUnmarked means no live object is known to occupy the line.
	LineUnmarked LineState = iota
	// LineMarked means at least one live object occupies or overlaps the line.
	LineMarked
	// LineObjectStart means the line is unmarked, but an object is known to begin at
	// its first byte. No object can spill into such a line from its predecessor, so
	// the recycler may reuse it without the conservative one-line skip.
	LineObjectStart
)

var lineStateMapping = map[LineState]string{
	LineUnmarked:    "Unmarked",
	LineMarked:      "Marked",
	LineObjectStart: "ObjectStart",
}

func (s LineState) String() string {
	return lineStateMapping[s]
}

// Live reports whether the line holds at least one live object.
func (s LineState) Live() bool {
	return s == LineMarked
}

// LineTable is the flat per-line state table for every block in the heap, indexed by
// block index and line-in-block. One byte per line; no per-line allocation.
type LineTable struct {
	geometry immix.Geometry
	states   []LineState

	// touched records, per block, whether any state was written since the block was
	// last recycled. The recycler uses it to take a cheap path for idle free blocks.
	touched []bool
}

func NewLineTable(geometry immix.Geometry, blockCount int) *LineTable {
	return &LineTable{
		geometry: geometry,
		states:   make([]LineState, blockCount*geometry.LinesPerBlock()),
		touched:  make([]bool, blockCount),
	}
}

// Grow extends the table to cover blockCount additional blocks.
func (t *LineTable) Grow(blockCount int) {
	t.states = append(t.states, make([]LineState, blockCount*t.geometry.LinesPerBlock())...)
	t.touched = append(t.touched, make([]bool, blockCount)...)
}

// BlockCount returns the number of blocks the table covers.
func (t *LineTable) BlockCount() int {
	return len(t.touched)
}

func (t *LineTable) index(block, line int) int {
	lines := t.geometry.LinesPerBlock()
	if block < 0 || block >= len(t.touched) {
		panic(fmt.Sprintf("block index %d out of range, table covers %d blocks", block, len(t.touched)))
	}
	if line < 0 || line >= lines {
		panic(fmt.Sprintf("line index %d out of range, blocks have %d lines", line, lines))
	}
	return block*lines + line
}

// Mark records that a live object occupies or overlaps the line. Called by the tracer.
func (t *LineTable) Mark(block, line int) {
	t.states[t.index(block, line)] = LineMarked
	t.touched[block] = true
}

// MarkRange marks every line in [first, last].
func (t *LineTable) MarkRange(block, first, last int) {
	for line := first; line <= last; line++ {
		t.states[t.index(block, line)] = LineMarked
	}
	t.touched[block] = true
}

// RecordObjectStart records that an object begins exactly at the line's first byte.
// A marked line stays marked; the hint only matters for unmarked lines.
func (t *LineTable) RecordObjectStart(block, line int) {
	idx := t.index(block, line)
	if t.states[idx] == LineUnmarked {
		t.states[idx] = LineObjectStart
	}
	t.touched[block] = true
}

// State returns the line's current state.
func (t *LineTable) State(block, line int) LineState {
	return t.states[t.index(block, line)]
}

// BlockStates returns the state slice for one block. The recycler scans it in place.
func (t *LineTable) BlockStates(block int) []LineState {
	lines := t.geometry.LinesPerBlock()
	start := t.index(block, 0)
	return t.states[start : start+lines : start+lines]
}

// Touched reports whether any line state in the block was written since the block was
// last recycled.
func (t *LineTable) Touched(block int) bool {
	if block < 0 || block >= len(t.touched) {
		panic(fmt.Sprintf("block index %d out of range, table covers %d blocks", block, len(t.touched)))
	}
	return t.touched[block]
}

// reset clears every line state in the block. Marks are per-cycle: the recycler calls
// this once it has consumed them.
func (t *LineTable) reset(block int) {
	states := t.BlockStates(block)
	for i := range states {
		states[i] = LineUnmarked
	}
	t.touched[block] = false
}

func (t *LineTable) Validate() error {
	if len(t.states) != len(t.touched)*t.geometry.LinesPerBlock() {
		return cerrors.Newf("line table covers %d lines but %d blocks of %d lines each",
			len(t.states), len(t.touched), t.geometry.LinesPerBlock())
	}
	for i, state := range t.states {
		if state > LineObjectStart {
			return cerrors.Newf("line %d holds invalid state %d", i, state)
		}
	}
	return nil
}
