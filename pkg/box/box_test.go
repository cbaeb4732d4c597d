package box

import "testing"

func TestNumberCellsAndVolume(t *testing.T) {
	b := New(0, []int{0, 0}, []int{15, 15})
	if got := b.NumberCells(0); got != 16 {
		t.Errorf("NumberCells(0) = %d, want 16", got)
	}
	if got := b.Volume(); got != 256 {
		t.Errorf("Volume() = %d, want 256", got)
	}
}

func TestIntersectDifferentBlocks(t *testing.T) {
	a := New(0, []int{0, 0}, []int{3, 3})
	b := New(1, []int{0, 0}, []int{3, 3})
	if _, ok := Intersect(a, b); ok {
		t.Fatalf("boxes from different blocks must never intersect")
	}
}

func TestIntersectOverlap(t *testing.T) {
	a := New(0, []int{0, 0}, []int{7, 7})
	b := New(0, []int{4, 4}, []int{11, 11})
	got, ok := Intersect(a, b)
	if !ok {
		t.Fatalf("expected overlap")
	}
	want := New(0, []int{4, 4}, []int{7, 7})
	if got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
}

func TestSplit(t *testing.T) {
	b := New(0, []int{0, 0}, []int{7, 3})
	lo, hi := b.Split(0, 3)
	if lo.NumberCells(0) != 4 || hi.NumberCells(0) != 4 {
		t.Errorf("split sizes = %d, %d, want 4, 4", lo.NumberCells(0), hi.NumberCells(0))
	}
	if lo.Hi[0] != 3 || hi.Lo[0] != 4 {
		t.Errorf("split boundary wrong: lo.Hi=%d hi.Lo=%d", lo.Hi[0], hi.Lo[0])
	}
}

func TestGrowAndContains(t *testing.T) {
	b := New(0, []int{4, 4}, []int{7, 7})
	grown := b.Grow([]int{1, 1})
	if grown.Lo[0] != 3 || grown.Hi[0] != 8 {
		t.Errorf("Grow wrong: %v", grown)
	}
	if !grown.Contains([]int{3, 8}) {
		t.Errorf("expected grown box to contain corner cell")
	}
}

func TestUnion(t *testing.T) {
	a := New(0, []int{0, 0}, []int{1, 3})
	b := New(0, []int{2, 0}, []int{3, 3})
	u := Union(a, b)
	want := New(0, []int{0, 0}, []int{3, 3})
	if u != want {
		t.Errorf("Union = %v, want %v", u, want)
	}
}

func TestFitsWithinAndAtLeast(t *testing.T) {
	b := New(0, []int{0, 0}, []int{3, 3})
	if !b.FitsWithin([]int{4, 4}) {
		t.Errorf("expected box to fit")
	}
	if b.FitsWithin([]int{2, 2}) {
		t.Errorf("expected box not to fit")
	}
	if !b.AtLeast([]int{4, 4}) {
		t.Errorf("expected box to satisfy minimum size")
	}
}

func TestGrowToMinSizeExpandsDeficientAxis(t *testing.T) {
	bound := New(0, []int{0, 0}, []int{15, 15})
	b := New(0, []int{6, 4}, []int{6, 7})
	grown := b.GrowToMinSize(bound, []int{3, 2})
	if grown.NumberCells(0) != 3 {
		t.Errorf("axis 0 not grown to minimum: %v", grown)
	}
	if grown.NumberCells(1) != 4 {
		t.Errorf("axis 1 already at minimum should be untouched: %v", grown)
	}
}

func TestGrowToMinSizeClampsToBound(t *testing.T) {
	bound := New(0, []int{0, 0}, []int{9, 9})
	b := New(0, []int{0, 0}, []int{0, 0})
	grown := b.GrowToMinSize(bound, []int{5, 5})
	if grown.Lo[0] < bound.Lo[0] || grown.Hi[0] > bound.Hi[0] {
		t.Errorf("grown box escaped bound: %v", grown)
	}
	if grown.NumberCells(0) != 5 {
		t.Errorf("expected axis 0 to reach minimum size within bound: %v", grown)
	}
}
