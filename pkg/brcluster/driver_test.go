package brcluster

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/boxlevel"
	"github.com/latticemesh/brcluster/pkg/metrics"
	"github.com/latticemesh/brcluster/pkg/mpi"
	"github.com/latticemesh/brcluster/pkg/obslog"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// runCluster builds one Network of nRanks simulated ranks, round-robins
// cells across them, and runs Cluster to completion on every rank
// concurrently, returning each rank's output BoxLevel.
func runCluster(t *testing.T, dim int, bb box.Box, tagVal int, cells [][]int, nRanks int, opts Options) []*boxlevel.BoxLevel {
	t.Helper()

	levels := make([]*tagfield.MemoryTagLevel, nRanks)
	for r := 0; r < nRanks; r++ {
		levels[r] = tagfield.NewMemoryTagLevel(dim, tagVal)
		levels[r].AddBlockBound(bb)
	}
	for i, idx := range cells {
		r := i % nRanks
		p := tagfield.NewArrayPatch(box.New(bb.BlockID, idx, idx))
		p.SetTag(idx, tagVal)
		levels[r].AddPatch(bb.BlockID, p)
	}

	net := mpi.NewNetwork(nRanks)
	comms := net.Comms()
	outs := make([]*boxlevel.BoxLevel, nRanks)
	log := obslog.For("test")

	var g errgroup.Group
	for r := 0; r < nRanks; r++ {
		r := r
		outs[r] = boxlevel.New(r)
		connector := boxlevel.NewConnector(opts.ComputeRelationships == Bidirectional)
		cp := NewCommonParams(comms[r], dim, opts, outs[r], connector, metrics.New(nil), obslog.WithRank(log, r))
		g.Go(func() error {
			return Cluster(cp, levels[r])
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	return outs
}

func totalTaggedCells(dim int, idxs [][]int) int { return len(idxs) }

func unionVolume(boxes map[boxlevel.GlobalID]box.Box) int {
	total := 0
	for _, b := range boxes {
		total += b.Volume()
	}
	return total
}

func TestClusterSingleTagBlock(t *testing.T) {
	dim := 2
	bb := box.New(0, []int{0, 0}, []int{15, 15})
	var cells [][]int
	for x := 4; x <= 7; x++ {
		for y := 4; y <= 7; y++ {
			cells = append(cells, []int{x, y})
		}
	}
	opts := DefaultOptions(dim)
	outs := runCluster(t, dim, bb, 1, cells, 3, opts)

	total := 0
	var allBoxes []box.Box
	for _, o := range outs {
		ob := o.OwnedBoxes()
		total += len(ob)
		for _, b := range ob {
			allBoxes = append(allBoxes, b)
		}
	}
	if total == 0 {
		t.Fatalf("expected at least one accepted box across all ranks, got 0")
	}
	coveredTags := 0
	for _, b := range allBoxes {
		for _, c := range cells {
			if b.Contains(c) {
				coveredTags++
			}
		}
	}
	if coveredTags < totalTaggedCells(dim, cells) {
		t.Fatalf("accepted boxes cover %d tagged cells, want all %d", coveredTags, len(cells))
	}
}

func TestClusterTwoDisjointClusters(t *testing.T) {
	dim := 2
	bb := box.New(0, []int{0, 0}, []int{39, 39})
	var cells [][]int
	for x := 2; x <= 4; x++ {
		for y := 2; y <= 4; y++ {
			cells = append(cells, []int{x, y})
		}
	}
	for x := 30; x <= 32; x++ {
		for y := 30; y <= 32; y++ {
			cells = append(cells, []int{x, y})
		}
	}
	opts := DefaultOptions(dim)
	opts.MaxBoxSize = []int{20, 20}
	outs := runCluster(t, dim, bb, 1, cells, 2, opts)

	var allBoxes []box.Box
	for _, o := range outs {
		for _, b := range o.OwnedBoxes() {
			allBoxes = append(allBoxes, b)
		}
	}
	if len(allBoxes) < 2 {
		t.Fatalf("expected the two disjoint clusters to produce at least 2 boxes, got %d", len(allBoxes))
	}
	for _, b := range allBoxes {
		if b.Volume() > opts.MaxBoxSize[0]*opts.MaxBoxSize[1] {
			t.Fatalf("box %v exceeds max_box_size", b)
		}
	}
}

func TestClusterEmptyBlockProducesNoBoxes(t *testing.T) {
	dim := 2
	bb := box.New(0, []int{0, 0}, []int{9, 9})
	opts := DefaultOptions(dim)
	outs := runCluster(t, dim, bb, 1, nil, 2, opts)

	for r, o := range outs {
		if n := len(o.OwnedBoxes()); n != 0 {
			t.Fatalf("rank %d: expected no accepted boxes for an empty block, got %d", r, n)
		}
	}
}

func TestClusterSingleOwnerWithNoOwnerOverlap(t *testing.T) {
	dim := 2
	bb := box.New(0, []int{0, 0}, []int{15, 15})
	var cells [][]int
	for x := 4; x <= 7; x++ {
		for y := 4; y <= 7; y++ {
			cells = append(cells, []int{x, y})
		}
	}
	opts := DefaultOptions(dim)
	opts.OwnerMode = SingleOwner

	// Cells alternate between ranks 1 and 2 of the 3; rank 0 (the forced
	// single owner) holds no tagged cell at all.
	levels := make([]*tagfield.MemoryTagLevel, 3)
	for r := range levels {
		levels[r] = tagfield.NewMemoryTagLevel(dim, 1)
		levels[r].AddBlockBound(bb)
	}
	for i, idx := range cells {
		r := 1 + i%2
		p := tagfield.NewArrayPatch(box.New(bb.BlockID, idx, idx))
		p.SetTag(idx, 1)
		levels[r].AddPatch(bb.BlockID, p)
	}

	net := mpi.NewNetwork(3)
	comms := net.Comms()
	outs := make([]*boxlevel.BoxLevel, 3)
	log := obslog.For("test")

	var g errgroup.Group
	for r := 0; r < 3; r++ {
		r := r
		outs[r] = boxlevel.New(r)
		connector := boxlevel.NewConnector(false)
		cp := NewCommonParams(comms[r], dim, opts, outs[r], connector, metrics.New(nil), obslog.WithRank(log, r))
		g.Go(func() error {
			return Cluster(cp, levels[r])
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Cluster: %v", err)
	}

	total := 0
	for _, o := range outs {
		total += len(o.OwnedBoxes())
	}
	if total == 0 {
		t.Fatalf("expected at least one accepted box even though the forced owner has no tag overlap, got 0")
	}
}

func TestClusterRespectsEfficiencyFloor(t *testing.T) {
	dim := 1
	bb := box.New(0, []int{0}, []int{31})
	var cells [][]int
	for _, x := range []int{0, 1, 2, 3, 28, 29, 30, 31} {
		cells = append(cells, []int{x})
	}
	opts := DefaultOptions(dim)
	opts.EfficiencyTol = 0.9
	outs := runCluster(t, dim, bb, 1, cells, 1, opts)

	for _, b := range outs[0].OwnedBoxes() {
		tags := 0
		for _, c := range cells {
			if b.Contains(c) {
				tags++
			}
		}
		eff := float64(tags) / float64(b.Volume())
		if eff < opts.EfficiencyTol {
			t.Fatalf("box %v has efficiency %.2f below floor %.2f", b, eff, opts.EfficiencyTol)
		}
	}
}

func TestClusterGrowsSingleCellToMinBoxSize(t *testing.T) {
	dim := 1
	bb := box.New(0, []int{0}, []int{31})
	cells := [][]int{{15}}
	opts := DefaultOptions(dim)
	opts.MinBoxSize = []int{4}
	opts.EfficiencyTol = 0.99
	outs := runCluster(t, dim, bb, 1, cells, 1, opts)

	boxes := outs[0].OwnedBoxes()
	if len(boxes) != 1 {
		t.Fatalf("expected exactly one accepted box, got %d", len(boxes))
	}
	for _, b := range boxes {
		if !b.AtLeast(opts.MinBoxSize) {
			t.Fatalf("box %v was accepted below min_box_size %v", b, opts.MinBoxSize)
		}
	}
}
