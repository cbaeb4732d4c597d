package brcluster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// Cluster runs the relaunch-queue/stage event loop to completion on the
// calling rank: one root node per block bounding box,
// drained until both the queue and the stage are empty. It returns once this
// rank has produced its share of the output BoxLevel; callers running many
// simulated ranks must call Cluster once per rank (see cmd/brcluster and
// mpi.Network.Comms).
func Cluster(cp *CommonParams, level tagfield.TagLevel) error {
	if err := cp.Opts.Validate(cp.Dim); err != nil {
		return err
	}

	if cp.Metrics != nil {
		timer := prometheus.NewTimer(cp.Metrics.ClusterDuration)
		defer timer.ObserveDuration()
	}

	group := make([]int, cp.Comm.Size())
	for i := range group {
		group[i] = i
	}

	for blockIdx, bb := range level.BlockBoundingBoxes() {
		root := NewRootNode(cp, level, blockIdx, bb, group)
		cp.Enqueue(root)
	}

	for cp.HasQueued() || cp.Stage.HasOutstanding() {
		for cp.HasQueued() {
			for _, n := range cp.PopAll() {
				n.ContinueAlgorithm()
				if cp.Metrics != nil && n.Phase == Completed {
					cp.Metrics.NodesProcessed.Inc()
				}
			}
		}
		if cp.Stage.HasOutstanding() {
			ready := cp.Stage.Advance(cp.Opts.AdvanceMode.stageMode())
			for _, h := range ready {
				if n, ok := h.(*Node); ok {
					cp.Enqueue(n)
				}
			}
		}
	}

	if cp.Opts.ComputeRelationships != RelationshipNone {
		return computeRelationships(cp, level)
	}
	return nil
}

// blockBoundsByID indexes a level's block bounding boxes by BlockID, used by
// the neighborhood pass to grow each local tag box before intersecting it
// against the new level.
func blockBoundsByID(level tagfield.TagLevel) map[int]box.Box {
	out := make(map[int]box.Box)
	for _, b := range level.BlockBoundingBoxes() {
		out[b.BlockID] = b
	}
	return out
}
