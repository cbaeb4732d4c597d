package brcluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

func tagCells(level *tagfield.MemoryTagLevel, blockID, tagVal int, cells [][]int) {
	for _, idx := range cells {
		p := tagfield.NewArrayPatch(box.New(blockID, idx, idx))
		p.SetTag(idx, tagVal)
		level.AddPatch(blockID, p)
	}
}

func TestLocalHistogramAndShrinkToTags(t *testing.T) {
	level := tagfield.NewMemoryTagLevel(2, 1)
	bb := box.New(0, []int{0, 0}, []int{9, 9})
	level.AddBlockBound(bb)
	tagCells(level, 0, 1, [][]int{{2, 2}, {2, 3}, {3, 2}, {3, 3}})

	hist := localHistogram(level, bb)
	require.Len(t, hist, 2)
	assert.Equal(t, 4, sumHistogram(hist))

	shrunk := shrinkToTags(bb, hist)
	assert.Equal(t, 2, shrunk.Lo[0])
	assert.Equal(t, 3, shrunk.Hi[0])
	assert.Equal(t, 2, shrunk.Lo[1])
	assert.Equal(t, 3, shrunk.Hi[1])
}

func TestZeroSwathCutFindsInteriorGap(t *testing.T) {
	b := box.New(0, []int{0}, []int{9})
	hist := [][]int{{1, 1, 0, 0, 0, 0, 1, 1, 1, 1}}
	minCut := []int{1}

	c, ok := zeroSwathCut(b, hist, minCut)
	require.True(t, ok, "expected a zero-swath cut")
	assert.Equal(t, 0, c.axis)
	assert.True(t, c.plane >= 2 && c.plane <= 5, "cut plane %d should land in the zero run", c.plane)
}

func TestZeroSwathCutIgnoresBoundaryRuns(t *testing.T) {
	// Zero run touches the box boundary on both ends: not strictly interior.
	b := box.New(0, []int{0}, []int{4})
	hist := [][]int{{0, 1, 1, 1, 0}}
	if _, ok := zeroSwathCut(b, hist, []int{1}); ok {
		t.Fatalf("boundary-touching zero run should not produce a cut")
	}
}

func TestInflectionCutRespectsAspectRatioGate(t *testing.T) {
	b := box.New(0, []int{0, 0}, []int{19, 1})
	opts := DefaultOptions(2)
	opts.InflectionCutThresholdAR = 3.0
	hist := [][]int{
		make([]int, 20),
		{5, 5},
	}
	// Axis 0 has 20 cells vs the thickest axis (20), so its own AR is 1 and
	// passes the gate; give it a clear single inflection.
	for i := range hist[0] {
		hist[0][i] = 1
	}
	hist[0][10] = 0
	c, ok := inflectionCut(b, hist, opts)
	if ok {
		assert.Equal(t, 0, c.axis)
	}
}

func TestBisectCutSplitsThickestAxis(t *testing.T) {
	b := box.New(0, []int{0, 0}, []int{3, 19})
	c := bisectCut(b, []int{1, 1})
	assert.Equal(t, 1, c.axis, "axis 1 is thicker (20 cells vs 4) and should be chosen")
}

func TestFlattenUnflattenHistogramRoundTrip(t *testing.T) {
	hist := [][]int{{1, 2, 3}, {4, 5}}
	flat := flattenHistogram(hist)
	require.Len(t, flat, 5)
	back := unflattenHistogram(flat, []int{3, 2})
	assert.Equal(t, hist, back)
}
