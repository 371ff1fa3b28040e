package metadata

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/markregion/immix"
)

// The free-hole list is threaded through the block's own unused memory: the first four
// bytes of a hole's first line store the hole's length in lines and the line index of the
// next hole. This file is the only code in the module that reads or writes the content of
// free memory; everything else sees holes as (line, length) pairs.
//
// Layout of a hole header, little-endian:
//
//	bytes 0..1  line index of the next hole, or holeListTerminator
//	bytes 2..3  length of this hole in lines
//
// The terminator is a reserved index that can never name a real line (geometry validation
// caps lines per block below it). It never escapes this file: traversal reports the end of
// the list through an ok boolean instead.
const holeListTerminator uint16 = math.MaxUint16

// Hole is a maximal run of contiguous reusable lines inside a block. Holes exist only
// between one recycling pass and their consumption by allocation; they are not persistent
// entities.
type Hole struct {
	// FirstLine is the index of the hole's first line within its block.
	FirstLine int
	// Lines is the hole's length in lines.
	Lines int
}

// StartOffset returns the byte offset of the hole's first byte within its block.
func (h Hole) StartOffset(g immix.Geometry) int {
	return g.LineOffset(h.FirstLine)
}

// EndOffset returns the byte offset one past the hole's last byte within its block.
func (h Hole) EndOffset(g immix.Geometry) int {
	return g.LineOffset(h.FirstLine + h.Lines)
}

// SizeBytes returns the hole's capacity in bytes.
func (h Hole) SizeBytes(g immix.Geometry) int {
	return h.Lines * g.LineSize
}

// writeHoleHeader stores the hole's length and its link to the next hole into the hole's
// first word in block memory.
func writeHoleHeader(block []byte, g immix.Geometry, h Hole, nextLine int, hasNext bool) {
	next := holeListTerminator
	if hasNext {
		next = uint16(nextLine)
	}
	offset := h.StartOffset(g)
	binary.LittleEndian.PutUint16(block[offset:], next)
	binary.LittleEndian.PutUint16(block[offset+2:], uint16(h.Lines))
}

// ReadHole decodes the hole header stored at the given line and returns the hole along
// with the link to the next hole in the list. A header that names an impossible line or
// length is an internal invariant violation and panics: every hole header was written by
// a prior recycling pass, so corruption here is never a normal runtime condition.
func ReadHole(block []byte, g immix.Geometry, line int) (h Hole, nextLine int, hasNext bool) {
	lines := g.LinesPerBlock()
	if line < 0 || line >= lines {
		panic(fmt.Sprintf("hole list names line %d, the block holds %d lines", line, lines))
	}

	offset := g.LineOffset(line)
	next := binary.LittleEndian.Uint16(block[offset:])
	size := binary.LittleEndian.Uint16(block[offset+2:])

	if int(size) < 1 || line+int(size) > lines {
		panic(fmt.Sprintf("hole at line %d claims %d lines, the block holds %d", line, size, lines))
	}
	if next != holeListTerminator {
		if int(next) >= lines {
			panic(fmt.Sprintf("hole at line %d links to line %d, the block holds %d lines", line, next, lines))
		}
		if int(next) < line+int(size) {
			panic(fmt.Sprintf("hole at line %d links backwards to line %d", line, next))
		}
	}

	return Hole{FirstLine: line, Lines: int(size)}, int(next), next != holeListTerminator
}

// HoleList traverses a block's free-hole list in ascending line order.
type HoleList struct {
	block    []byte
	geometry immix.Geometry
	nextLine int
	ok       bool
}

// Holes returns a traversal of the block's free-hole list as recorded by the last
// recycling pass.
func Holes(block []byte, g immix.Geometry, meta *BlockMeta) HoleList {
	head, ok := meta.HoleListHead()
	return HoleList{
		block:    block,
		geometry: g,
		nextLine: head,
		ok:       ok,
	}
}

// Next returns the next hole in the list. The second return value is false once the list
// is exhausted.
func (l *HoleList) Next() (Hole, bool) {
	if !l.ok {
		return Hole{}, false
	}
	h, next, hasNext := ReadHole(l.block, l.geometry, l.nextLine)
	l.nextLine = next
	l.ok = hasNext
	return h, true
}

// Collect drains the traversal into a slice. Intended for tests and diagnostics.
func (l *HoleList) Collect() []Hole {
	var holes []Hole
	for {
		h, ok := l.Next()
		if !ok {
			return holes
		}
		holes = append(holes, h)
	}
}
