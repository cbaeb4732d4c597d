package brcluster

import (
	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// localHistogram scans this rank's patches for block b.BlockID and builds
// the per-axis tag histogram over b: histogram[d][i] is the number of
// tagged cells whose axis-d index equals b.Lo[d]+i.
func localHistogram(level tagfield.TagLevel, b box.Box) [][]int {
	dim := b.Dim
	hist := make([][]int, dim)
	for d := 0; d < dim; d++ {
		hist[d] = make([]int, b.NumberCells(d))
	}
	if b.Empty() {
		return hist
	}
	for _, p := range level.LocalPatches(b.BlockID) {
		inter, ok := box.Intersect(b, p.Box())
		if !ok {
			continue
		}
		iterateCells(inter, func(idx []int) {
			if p.TagAt(idx) == level.TagValue() {
				for d := 0; d < dim; d++ {
					hist[d][idx[d]-b.Lo[d]]++
				}
			}
		})
	}
	return hist
}

// iterateCells calls fn once per cell index inside b, in row-major order.
func iterateCells(b box.Box, fn func(idx []int)) {
	if b.Empty() {
		return
	}
	idx := make([]int, b.Dim)
	copy(idx, b.Lo[:b.Dim])
	for {
		cur := append([]int(nil), idx...)
		fn(cur)
		d := 0
		for d < b.Dim {
			idx[d]++
			if idx[d] <= b.Hi[d] {
				break
			}
			idx[d] = b.Lo[d]
			d++
		}
		if d == b.Dim {
			return
		}
	}
}

// flattenHistogram concatenates a per-axis histogram into one fixed-layout
// integer vector for the sum-reduce wire message.
func flattenHistogram(hist [][]int) []int {
	var out []int
	for _, h := range hist {
		out = append(out, h...)
	}
	return out
}

// unflattenHistogram is flattenHistogram's inverse, given the axis lengths.
func unflattenHistogram(flat []int, lengths []int) [][]int {
	hist := make([][]int, len(lengths))
	pos := 0
	for d, n := range lengths {
		hist[d] = append([]int(nil), flat[pos:pos+n]...)
		pos += n
	}
	return hist
}

// sumHistogram returns the total tag count, read off any single axis'
// histogram (every axis sums to the same total).
func sumHistogram(hist [][]int) int {
	if len(hist) == 0 {
		return 0
	}
	total := 0
	for _, v := range hist[0] {
		total += v
	}
	return total
}

// shrinkToTags returns the minimal sub-box of b containing every tagged
// cell, using the histogram's zero margins on each axis.
func shrinkToTags(b box.Box, hist [][]int) box.Box {
	out := b
	for d := 0; d < b.Dim; d++ {
		h := hist[d]
		lo, hi := -1, -1
		for i, v := range h {
			if v > 0 {
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		if lo < 0 {
			continue // no tags on this axis' projection; leave as-is
		}
		out.Lo[d] = b.Lo[d] + lo
		out.Hi[d] = b.Lo[d] + hi
	}
	return out
}

type cut struct {
	axis  int
	plane int
}

// selectCut applies the split priority order: zero-swath cut, then
// inflection cut, then plain bisection of the thickest axis.
func selectCut(b box.Box, hist [][]int, opts Options) cut {
	if c, ok := zeroSwathCut(b, hist, opts.MinBoxSizeFromCutting); ok {
		return c
	}
	if c, ok := inflectionCut(b, hist, opts); ok {
		return c
	}
	return bisectCut(b, opts.MinBoxSizeFromCutting)
}

// zeroSwathCut looks for the thickest maximal run of all-zero histogram
// slices strictly interior to b (i.e. with tagged cells on both sides), and
// cuts through its midpoint.
func zeroSwathCut(b box.Box, hist [][]int, minCut []int) (cut, bool) {
	bestAxis, bestPlane, bestWidth := -1, 0, 0
	for d := 0; d < b.Dim; d++ {
		h := hist[d]
		n := len(h)
		i := 0
		for i < n {
			if h[i] != 0 {
				i++
				continue
			}
			start := i
			for i < n && h[i] == 0 {
				i++
			}
			end := i - 1 // inclusive
			if start == 0 || end == n-1 {
				continue // not strictly interior
			}
			width := end - start + 1
			if width > bestWidth {
				mid := (start + end) / 2
				plane := b.Lo[d] + mid
				if respectsMinCut(b, d, plane, minCut) {
					bestAxis, bestPlane, bestWidth = d, plane, width
				}
			}
		}
	}
	if bestAxis < 0 {
		return cut{}, false
	}
	return cut{axis: bestAxis, plane: bestPlane}, true
}

// inflectionCut scans the discrete Laplacian of each qualifying axis'
// histogram for its most negative value, restricted to the central band
// opts.MaxInflectionCutFromCenter allows.
func inflectionCut(b box.Box, hist [][]int, opts Options) (cut, bool) {
	maxLen := 0
	for d := 0; d < b.Dim; d++ {
		if n := b.NumberCells(d); n > maxLen {
			maxLen = n
		}
	}
	bestAxis, bestPlane := -1, 0
	bestLap := 0
	for d := 0; d < b.Dim; d++ {
		n := b.NumberCells(d)
		if n < 3 {
			continue
		}
		if float64(maxLen)/float64(n) > opts.InflectionCutThresholdAR {
			continue
		}
		h := hist[d]
		center := (n - 1) / 2
		band := int(opts.MaxInflectionCutFromCenter * float64(center))
		lo, hi := center-band, center+band
		if lo < 1 {
			lo = 1
		}
		if hi > n-2 {
			hi = n - 2
		}
		for i := lo; i <= hi; i++ {
			lap := h[i-1] - 2*h[i] + h[i+1]
			plane := b.Lo[d] + i
			if !respectsMinCut(b, d, plane, opts.MinBoxSizeFromCutting) {
				continue
			}
			if bestAxis < 0 || lap < bestLap {
				bestAxis, bestPlane, bestLap = d, plane, lap
			}
		}
	}
	if bestAxis < 0 || bestLap >= 0 {
		return cut{}, false
	}
	return cut{axis: bestAxis, plane: bestPlane}, true
}

// bisectCut splits the thickest axis at its midpoint, clamped to respect
// min_box_size_from_cutting where the box is large enough to allow it.
func bisectCut(b box.Box, minCut []int) cut {
	axis, best := 0, -1
	for d := 0; d < b.Dim; d++ {
		if n := b.NumberCells(d); n > best {
			axis, best = d, n
		}
	}
	n := b.NumberCells(axis)
	mid := (n - 1) / 2
	plane := b.Lo[axis] + mid
	lo := b.Lo[axis] + minCut[axis] - 1
	hi := b.Hi[axis] - minCut[axis]
	if lo <= hi {
		if plane < lo {
			plane = lo
		}
		if plane > hi {
			plane = hi
		}
	}
	if plane < b.Lo[axis] {
		plane = b.Lo[axis]
	}
	if plane >= b.Hi[axis] {
		plane = b.Hi[axis] - 1
	}
	return cut{axis: axis, plane: plane}
}

func respectsMinCut(b box.Box, axis, plane int, minCut []int) bool {
	lowerLen := plane - b.Lo[axis] + 1
	upperLen := b.Hi[axis] - plane
	return lowerLen >= minCut[axis] && upperLen >= minCut[axis]
}
