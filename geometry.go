package immix

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// DefaultBlockSize is the size in bytes of a heap block when no explicit geometry
	// is provided.
	DefaultBlockSize = 32 * 1024
	// DefaultLineSize is the size in bytes of a line, the unit of liveness-marking
	// granularity, when no explicit geometry is provided.
	DefaultLineSize = 128

	// WordSize is the allocation alignment in bytes. Every allocation is rounded up
	// to a multiple of this value.
	WordSize = 8

	// HoleHeaderSize is the number of bytes at the start of a free hole used to store
	// the hole's extent and the link to the next hole in its block.
	HoleHeaderSize = 4
)

// Geometry describes the fixed subdivision of the heap: the block size, the line size,
// and the minimum number of contiguous free lines worth recording as a hole during
// recycling. A zero Geometry is not usable; call Default or fill in the fields and
// Validate before handing it to a heap.
type Geometry struct {
	// BlockSize is the size in bytes of a block. Must be a power of two.
	BlockSize int
	// LineSize is the size in bytes of a line. Must be a power of two, at least WordSize,
	// and no larger than BlockSize.
	LineSize int
	// MinHoleLines is the minimum length, in lines, of a reusable hole. Shorter runs of
	// free lines are folded into the block's excluded-line count instead of being made
	// available for allocation. Zero means 1.
	MinHoleLines int
}

// DefaultGeometry returns the production geometry: 32 KiB blocks of 256 lines, 128 bytes each.
func DefaultGeometry() Geometry {
	return Geometry{
		BlockSize:    DefaultBlockSize,
		LineSize:     DefaultLineSize,
		MinHoleLines: 1,
	}
}

// LinesPerBlock returns the fixed number of lines composing every block.
func (g Geometry) LinesPerBlock() int {
	return g.BlockSize / g.LineSize
}

// LineIndex returns the index of the line containing the given byte offset within a block.
func (g Geometry) LineIndex(offset int) int {
	return offset / g.LineSize
}

// LineOffset returns the byte offset within a block of the given line's first byte.
func (g Geometry) LineOffset(line int) int {
	return line * g.LineSize
}

// MinHole returns the effective minimum hole length in lines.
func (g Geometry) MinHole() int {
	if g.MinHoleLines < 1 {
		return 1
	}
	return g.MinHoleLines
}

func (g Geometry) Validate() error {
	err := CheckPow2(uint(g.BlockSize), "BlockSize")
	if err != nil {
		return err
	}
	err = CheckPow2(uint(g.LineSize), "LineSize")
	if err != nil {
		return err
	}
	if g.LineSize < WordSize {
		return cerrors.Newf("LineSize %d is smaller than the word size %d", g.LineSize, WordSize)
	}
	if g.LineSize > g.BlockSize {
		return cerrors.Newf("LineSize %d exceeds BlockSize %d", g.LineSize, g.BlockSize)
	}
	// The hole codec stores line indices in 16 bits and reserves the all-ones value
	// as its list terminator.
	if g.LinesPerBlock() >= math.MaxUint16 {
		return cerrors.Newf("%d lines per block cannot be indexed by the hole codec", g.LinesPerBlock())
	}
	if g.MinHoleLines > g.LinesPerBlock() {
		return cerrors.Newf("MinHoleLines %d exceeds the %d lines in a block", g.MinHoleLines, g.LinesPerBlock())
	}
	return nil
}
