package metadata_test

import (
	"testing"

	"github.com/markregion/immix"
	"github.com/markregion/immix/metadata"
	"github.com/stretchr/testify/require"
)

func TestBlockStateString(t *testing.T) {
	require.Equal(t, "Free", metadata.BlockFree.String())
	require.Equal(t, "Recyclable", metadata.BlockRecyclable.String())
	require.Equal(t, "Unavailable", metadata.BlockUnavailable.String())
}

func TestLineStateString(t *testing.T) {
	require.Equal(t, "Unmarked", metadata.LineUnmarked.String())
	require.Equal(t, "Marked", metadata.LineMarked.String())
	require.Equal(t, "ObjectStart", metadata.LineObjectStart.String())
}

func TestBlockTableOutOfRangePanics(t *testing.T) {
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: 1}
	table := metadata.NewBlockTable(g, 2)

	require.Panics(t, func() { table.Get(-1) })
	require.Panics(t, func() { table.Get(2) })
}

func TestLineTableOutOfRangePanics(t *testing.T) {
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: 1}
	table := metadata.NewLineTable(g, 2)

	require.Panics(t, func() { table.Mark(2, 0) })
	require.Panics(t, func() { table.Mark(0, 8) })
	require.Panics(t, func() { table.State(0, -1) })
}

func TestTablesGrow(t *testing.T) {
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: 1}
	blocks := metadata.NewBlockTable(g, 1)
	lines := metadata.NewLineTable(g, 1)

	blocks.Grow(3)
	lines.Grow(3)

	require.Equal(t, 4, blocks.Len())
	require.Equal(t, 4, lines.BlockCount())

	lines.Mark(3, 7)
	require.Equal(t, metadata.LineMarked, lines.State(3, 7))
	require.True(t, lines.Touched(3))
	require.False(t, lines.Touched(2))
	require.NoError(t, lines.Validate())
}

func TestBlockTableStatistics(t *testing.T) {
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: 1}
	blocks := metadata.NewBlockTable(g, 3)
	lines := metadata.NewLineTable(g, 3)
	memory := [][]byte{
		make([]byte, g.BlockSize),
		make([]byte, g.BlockSize),
		make([]byte, g.BlockSize),
	}

	// Block 0 free, block 1 recyclable, block 2 unavailable.
	for line := 0; line < 8; line++ {
		lines.Mark(2, line)
	}
	lines.Mark(1, 0)
	for i := 0; i < 3; i++ {
		metadata.RecycleBlock(blocks, lines, i, memory[i])
	}

	var stats immix.DetailedStatistics
	stats.Clear()
	blocks.AddDetailedStatistics(&stats)

	require.Equal(t, 3, stats.BlockCount)
	require.Equal(t, 3*1024, stats.BlockBytes)
	require.Equal(t, 1, stats.FreeBlockCount)
	require.Equal(t, 1, stats.RecyclableBlockCount)
	require.Equal(t, 1, stats.UnavailableBlockCount)
	require.Equal(t, 9, stats.MarkedLineCount)
	// Block 0 contributes 8 free lines, block 1 contributes 6 (line 1 is excluded).
	require.Equal(t, 14, stats.FreeLineCount)
	require.Equal(t, 1, stats.ExcludedLineCount)

	require.NoError(t, blocks.Validate())
}
