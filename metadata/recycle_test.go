package metadata_test

import (
	"testing"

	"github.com/markregion/immix"
	"github.com/markregion/immix/metadata"
	"github.com/stretchr/testify/require"
)

// fixture is a single-block heap slice: an 8-line block with its tables.
type fixture struct {
	geometry immix.Geometry
	blocks   *metadata.BlockTable
	lines    *metadata.LineTable
	memory   []byte
}

func newFixture(t *testing.T, minHoleLines int) *fixture {
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: minHoleLines}
	require.NoError(t, g.Validate())
	require.Equal(t, 8, g.LinesPerBlock())

	return &fixture{
		geometry: g,
		blocks:   metadata.NewBlockTable(g, 1),
		lines:    metadata.NewLineTable(g, 1),
		memory:   make([]byte, g.BlockSize),
	}
}

func (f *fixture) mark(lines ...int) {
	for _, line := range lines {
		f.lines.Mark(0, line)
	}
}

func (f *fixture) recycle() metadata.RecycleResult {
	return metadata.RecycleBlock(f.blocks, f.lines, 0, f.memory)
}

func (f *fixture) holes() []metadata.Hole {
	list := metadata.Holes(f.memory, f.geometry, f.blocks.Get(0))
	return list.Collect()
}

func TestRecycleNoMarksFullReclaim(t *testing.T) {
	f := newFixture(t, 1)

	result := f.recycle()

	require.Equal(t, metadata.BlockFree, result.State)
	require.Equal(t, metadata.BlockFree, f.blocks.Get(0).State())
	require.Equal(t, 8, result.FreeLines)
	require.Equal(t, 0, result.MarkedLines)
	require.Equal(t, 0, result.ExcludedLines)
	require.Equal(t, []metadata.Hole{{FirstLine: 0, Lines: 8}}, f.holes())
}

func TestRecycleAllMarkedUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	f.mark(0, 1, 2, 3, 4, 5, 6, 7)

	result := f.recycle()

	require.Equal(t, metadata.BlockUnavailable, result.State)
	require.Equal(t, 8, result.MarkedLines)
	require.Equal(t, 0, result.FreeLines)
	require.Empty(t, f.holes())
}

func TestRecycleConservativeAdjacency(t *testing.T) {
	// Marks at {0,1,2} and {6}: line 3 follows the first marked run and line 7
	// follows the mark at 6, so both are excluded.
	f := newFixture(t, 1)
	f.mark(0, 1, 2, 6)

	result := f.recycle()

	require.Equal(t, metadata.BlockRecyclable, result.State)
	require.Equal(t, []metadata.Hole{{FirstLine: 4, Lines: 2}}, f.holes())
	require.Equal(t, 4, result.MarkedLines)
	require.Equal(t, 2, result.FreeLines)
	require.Equal(t, 2, result.ExcludedLines)
}

func TestRecycleObjectStartLiftsExclusion(t *testing.T) {
	// Same marks, but an object is known to begin exactly at line 7's first byte:
	// nothing can spill into it from line 6, so it becomes a one-line hole.
	f := newFixture(t, 1)
	f.mark(0, 1, 2, 6)
	f.lines.RecordObjectStart(0, 7)

	result := f.recycle()

	require.Equal(t, metadata.BlockRecyclable, result.State)
	require.Equal(t, []metadata.Hole{
		{FirstLine: 4, Lines: 2},
		{FirstLine: 7, Lines: 1},
	}, f.holes())
	require.Equal(t, 3, result.FreeLines)
	require.Equal(t, 1, result.ExcludedLines)
}

func TestRecycleObjectStartDoesNotOverrideMark(t *testing.T) {
	f := newFixture(t, 1)
	f.lines.RecordObjectStart(0, 3)
	f.mark(3)

	result := f.recycle()

	require.Equal(t, 1, result.MarkedLines)
	// Line 4 still gets the conservative exclusion.
	require.Equal(t, []metadata.Hole{
		{FirstLine: 0, Lines: 3},
		{FirstLine: 5, Lines: 3},
	}, f.holes())
}

func TestRecycleIdempotentForSameMarks(t *testing.T) {
	f := newFixture(t, 1)

	f.mark(0, 3, 4)
	first := f.recycle()
	firstHoles := f.holes()

	// Recycling consumes the marks; reapply the identical state.
	f.mark(0, 3, 4)
	second := f.recycle()

	require.Equal(t, first, second)
	require.Equal(t, firstHoles, f.holes())
}

func TestRecycleConservation(t *testing.T) {
	patterns := [][]int{
		{},
		{0},
		{7},
		{0, 7},
		{0, 1, 2, 6},
		{3, 4, 5},
		{1, 3, 5, 7},
		{0, 2, 4, 6},
		{0, 1, 2, 3, 4, 5, 6, 7},
	}

	for _, marks := range patterns {
		f := newFixture(t, 1)
		f.mark(marks...)

		result := f.recycle()

		total := result.FreeLines + result.MarkedLines + result.ExcludedLines
		require.Equalf(t, 8, total, "marks %v do not partition the block", marks)

		var holeLines int
		for _, hole := range f.holes() {
			holeLines += hole.Lines
		}
		require.Equalf(t, result.FreeLines, holeLines, "marks %v hole list disagrees with free count", marks)
		require.NoError(t, f.blocks.Validate())
	}
}

func TestRecycleHolesAscendingAndDisjoint(t *testing.T) {
	f := newFixture(t, 1)
	f.mark(2, 5)

	f.recycle()

	holes := f.holes()
	require.NotEmpty(t, holes)
	lastEnd := -1
	for _, hole := range holes {
		require.Greater(t, hole.FirstLine, lastEnd)
		require.GreaterOrEqual(t, hole.Lines, 1)
		lastEnd = hole.FirstLine + hole.Lines - 1
	}
}

func TestRecycleMinHoleFoldsShortRuns(t *testing.T) {
	// With a two-line minimum, the one-line gap at line 0 is folded into the
	// excluded count instead of being recorded.
	f := newFixture(t, 2)
	f.mark(1, 4)

	result := f.recycle()

	require.Equal(t, metadata.BlockRecyclable, result.State)
	require.Equal(t, []metadata.Hole{{FirstLine: 6, Lines: 2}}, f.holes())
	require.Equal(t, 2, result.MarkedLines)
	require.Equal(t, 2, result.FreeLines)
	// Excluded: line 0 (folded), line 2 (conservative), line 3 (folded), line 5
	// (conservative).
	require.Equal(t, 4, result.ExcludedLines)
}

func TestRecycleTinyRemainderUnavailable(t *testing.T) {
	// Every unmarked line is either conservatively excluded or below the minimum
	// hole length, so the block parks as Unavailable.
	f := newFixture(t, 2)
	f.mark(0, 2, 4, 6)

	result := f.recycle()

	require.Equal(t, metadata.BlockUnavailable, result.State)
	require.Empty(t, f.holes())
	require.Equal(t, 4, result.MarkedLines)
	require.Equal(t, 0, result.FreeLines)
	require.Equal(t, 4, result.ExcludedLines)
}

func TestRecycleClearsLineMarks(t *testing.T) {
	f := newFixture(t, 1)
	f.mark(2, 3)

	require.True(t, f.lines.Touched(0))
	f.recycle()

	require.False(t, f.lines.Touched(0))
	for line := 0; line < 8; line++ {
		require.Equal(t, metadata.LineUnmarked, f.lines.State(0, line))
	}
}

func TestRecycleEndToEndScenario(t *testing.T) {
	// Four blocks, eight lines each: block 0 fully marked, block 1 untouched,
	// block 2 marked at {0,7}, block 3 marked at {3,4,5}.
	g := immix.Geometry{BlockSize: 1024, LineSize: 128, MinHoleLines: 1}
	require.NoError(t, g.Validate())

	blocks := metadata.NewBlockTable(g, 4)
	lines := metadata.NewLineTable(g, 4)
	memory := [][]byte{
		make([]byte, g.BlockSize),
		make([]byte, g.BlockSize),
		make([]byte, g.BlockSize),
		make([]byte, g.BlockSize),
	}

	for line := 0; line < 8; line++ {
		lines.Mark(0, line)
	}
	lines.Mark(2, 0)
	lines.Mark(2, 7)
	lines.MarkRange(3, 3, 5)

	for i := 0; i < 4; i++ {
		metadata.RecycleBlock(blocks, lines, i, memory[i])
	}

	holesOf := func(i int) []metadata.Hole {
		list := metadata.Holes(memory[i], g, blocks.Get(i))
		return list.Collect()
	}

	require.Equal(t, metadata.BlockUnavailable, blocks.Get(0).State())
	require.Empty(t, holesOf(0))

	require.Equal(t, metadata.BlockFree, blocks.Get(1).State())
	require.Equal(t, []metadata.Hole{{FirstLine: 0, Lines: 8}}, holesOf(1))

	// Line 1 is conservatively excluded after the mark at line 0.
	require.Equal(t, metadata.BlockRecyclable, blocks.Get(2).State())
	require.Equal(t, []metadata.Hole{{FirstLine: 2, Lines: 5}}, holesOf(2))

	// Line 6 is conservatively excluded after the marked run 3..5; line 7 starts a
	// fresh hole.
	require.Equal(t, metadata.BlockRecyclable, blocks.Get(3).State())
	require.Equal(t, []metadata.Hole{
		{FirstLine: 0, Lines: 3},
		{FirstLine: 7, Lines: 1},
	}, holesOf(3))

	require.NoError(t, blocks.Validate())
	require.NoError(t, lines.Validate())
}
