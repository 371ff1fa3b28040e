// Package arena owns the raw block-aligned memory regions backing a heap. It acquires
// anonymous mappings from the operating system, carves them into blocks aligned to the
// block size, and maps addresses back to block indices in O(1).
//
// This is the only package that reasons about machine addresses. Everything above it
// works with block indices and byte slices.
package arena

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/edsrzf/mmap-go"
	"github.com/markregion/immix"
)

type chunk struct {
	mapping    mmap.MMap
	firstBlock int
	blockCount int
}

// Arena hands out fixed-size, block-aligned regions of anonymous memory and answers
// address-to-block queries. Blocks are identified by a dense global index that is stable
// for the lifetime of the arena; growth appends new indices and never moves existing
// blocks.
type Arena struct {
	geometry immix.Geometry

	chunks []chunk
	blocks [][]byte
	bases  []uintptr

	// baseIndex maps a block's aligned base address to its global index.
	baseIndex *swiss.Map[uintptr, int]
}

// New maps an initial region large enough for blockCount blocks. Mapping failure is fatal
// for the caller: the returned error wraps the OS failure and the arena is not usable.
func New(geometry immix.Geometry, blockCount int) (*Arena, error) {
	err := geometry.Validate()
	if err != nil {
		return nil, err
	}
	if blockCount < 1 {
		return nil, cerrors.Newf("arena requires at least one block, requested %d", blockCount)
	}

	a := &Arena{
		geometry:  geometry,
		baseIndex: swiss.NewMap[uintptr, int](uint32(blockCount)),
	}

	_, err = a.Grow(blockCount)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Geometry returns the geometry the arena was created with.
func (a *Arena) Geometry() immix.Geometry {
	return a.geometry
}

// BlockCount returns the number of blocks currently mapped.
func (a *Arena) BlockCount() int {
	return len(a.blocks)
}

// Grow maps one additional chunk of blockCount blocks and returns the global index of the
// first new block. A mapping failure leaves the arena unchanged; per the heap's error
// model it is not retried.
func (a *Arena) Grow(blockCount int) (int, error) {
	if blockCount < 1 {
		return 0, cerrors.Newf("cannot grow arena by %d blocks", blockCount)
	}

	blockSize := a.geometry.BlockSize

	// Over-allocate by one block so the first block base can be aligned up to the
	// block size regardless of where the OS places the mapping.
	length := blockCount*blockSize + blockSize
	mapping, err := mmap.MapRegion(nil, length, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return 0, cerrors.Wrapf(err, "failed to map %d bytes of anonymous memory", length)
	}

	base := uintptr(unsafe.Pointer(&mapping[0]))
	aligned := (base + uintptr(blockSize) - 1) &^ (uintptr(blockSize) - 1)
	skip := int(aligned - base)

	firstBlock := len(a.blocks)
	a.chunks = append(a.chunks, chunk{
		mapping:    mapping,
		firstBlock: firstBlock,
		blockCount: blockCount,
	})

	for i := 0; i < blockCount; i++ {
		start := skip + i*blockSize
		block := mapping[start : start+blockSize : start+blockSize]
		a.blocks = append(a.blocks, block)
		blockBase := aligned + uintptr(i*blockSize)
		a.bases = append(a.bases, blockBase)
		a.baseIndex.Put(blockBase, firstBlock+i)
	}

	return firstBlock, nil
}

// BlockBytes returns the memory of the block at the given global index. The slice's
// capacity is clamped to the block, so writes through it can never reach a neighbor.
func (a *Arena) BlockBytes(index int) []byte {
	if index < 0 || index >= len(a.blocks) {
		panic(fmt.Sprintf("block index %d out of range, arena holds %d blocks", index, len(a.blocks)))
	}
	return a.blocks[index]
}

// BlockBase returns the address of the first byte of the block at the given global index.
func (a *Arena) BlockBase(index int) uintptr {
	if index < 0 || index >= len(a.bases) {
		panic(fmt.Sprintf("block index %d out of range, arena holds %d blocks", index, len(a.bases)))
	}
	return a.bases[index]
}

// BlockIndexForAddress maps any address inside a mapped block back to that block's
// global index. The second return value is false for addresses the arena does not own.
func (a *Arena) BlockIndexForAddress(addr uintptr) (int, bool) {
	base := addr &^ (uintptr(a.geometry.BlockSize) - 1)
	return a.baseIndex.Get(base)
}

// LineForAddress maps an address to its block index and the line index within that block.
func (a *Arena) LineForAddress(addr uintptr) (blockIndex int, lineIndex int, ok bool) {
	blockIndex, ok = a.BlockIndexForAddress(addr)
	if !ok {
		return 0, 0, false
	}
	offset := int(addr - a.bases[blockIndex])
	return blockIndex, a.geometry.LineIndex(offset), true
}

// Release unmaps every chunk. The arena and all block slices obtained from it are dead
// afterwards.
func (a *Arena) Release() error {
	for i := range a.chunks {
		err := a.chunks[i].mapping.Unmap()
		if err != nil {
			return cerrors.Wrapf(err, "failed to unmap chunk %d", i)
		}
	}
	a.chunks = nil
	a.blocks = nil
	a.bases = nil
	a.baseIndex = swiss.NewMap[uintptr, int](1)
	return nil
}
