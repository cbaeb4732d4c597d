package brcluster

import (
	"runtime"
	"time"

	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/boxlevel"
	"github.com/latticemesh/brcluster/pkg/mpi"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// Reserved tags for the post-clustering neighborhood exchange. Negative so
// they can never collide with a dendogram node's tag (node tags start at
// cp.baseTag and only ever grow from there via the TagPool).
const (
	neighborCountTag    = -1
	neighborBoxTag      = -2
	neighborEdgeTag     = -3
	neighborEdgeDataTag = -4
)

func boxEntrySize(dim int) int { return 3 + 2*dim }

func encodeBoxEntry(id boxlevel.GlobalID, b box.Box) []int {
	dim := b.Dim
	out := make([]int, boxEntrySize(dim))
	out[0] = id.OwnerRank
	out[1] = id.LocalID
	out[2] = b.BlockID
	copy(out[3:3+dim], b.Lo[:dim])
	copy(out[3+dim:3+2*dim], b.Hi[:dim])
	return out
}

func decodeBoxEntry(buf []int, dim int) (boxlevel.GlobalID, box.Box) {
	id := boxlevel.GlobalID{OwnerRank: buf[0], LocalID: buf[1]}
	b := box.New(buf[2], buf[3:3+dim], buf[3+dim:3+2*dim])
	return id, b
}

func waitAll(reqs []mpi.Request) {
	for {
		allDone := true
		for _, r := range reqs {
			if done, _ := r.Test(); !done {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		yieldScheduler()
	}
}

// computeRelationships runs the neighborhood pass after the main dendogram
// loop has drained: it first makes every accepted
// box visible to every rank, then each rank emits tag->new edges for its own
// local patches and, in bidirectional mode, ships its outgoing edges to the
// owning rank of the new-side box.
func computeRelationships(cp *CommonParams, level tagfield.TagLevel) error {
	dim := cp.Dim
	all, err := exchangeAllBoxes(cp, dim)
	if err != nil {
		return err
	}

	bounds := blockBoundsByID(level)
	var edges []neighborEdge

	for blockID, bound := range bounds {
		for patchIdx, p := range level.LocalPatches(blockID) {
			grown := p.Box().Grow(cp.Opts.GhostCellWidth)
			if g, ok := box.Intersect(grown, bound); ok {
				grown = g
			}
			from := boxlevel.TagID{Rank: cp.Comm.Rank(), Block: blockID, Patch: patchIdx}
			for id, nb := range all {
				if _, ok := box.Intersect(grown, nb); ok {
					cp.Connector.AddEdge(from, id)
					edges = append(edges, neighborEdge{from: from, to: id})
				}
			}
		}
	}

	if cp.Opts.ComputeRelationships != Bidirectional {
		return nil
	}
	return shareNewNeighborhoodSetsWithOwners(cp, edges)
}

// neighborEdge is one tag->new edge discovered locally, pending the
// bidirectional reverse-edge exchange.
type neighborEdge struct {
	from boxlevel.TagID
	to   boxlevel.GlobalID
}

// exchangeAllBoxes makes every rank's owned, non-superseded boxes visible to
// every other rank: a count exchange followed by a sized data exchange,
// since mpi.Communicator.Irecv requires a fixed-size destination buffer.
func exchangeAllBoxes(cp *CommonParams, dim int) (map[boxlevel.GlobalID]box.Box, error) {
	size := cp.Comm.Size()
	self := cp.Comm.Rank()
	mine := cp.OutLevel.OwnedBoxes()

	counts := make([]int, size)
	countRecv := make([]mpi.Request, 0, size)
	countRecvBuf := make([][]int, size)
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		buf := make([]int, 1)
		countRecvBuf[r] = buf
		countRecv = append(countRecv, cp.Comm.Irecv(buf, r, neighborCountTag))
	}
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		cp.Comm.Isend([]int{len(mine)}, r, neighborCountTag)
	}
	waitAll(countRecv)
	for r := 0; r < size; r++ {
		if r != self {
			counts[r] = countRecvBuf[r][0]
		}
	}

	entrySize := boxEntrySize(dim)
	dataRecv := make([]mpi.Request, 0, size)
	dataRecvBuf := make([][]int, size)
	for r := 0; r < size; r++ {
		if r == self || counts[r] == 0 {
			continue
		}
		buf := make([]int, counts[r]*entrySize)
		dataRecvBuf[r] = buf
		dataRecv = append(dataRecv, cp.Comm.Irecv(buf, r, neighborBoxTag))
	}
	myPayload := make([]int, 0, len(mine)*entrySize)
	for id, b := range mine {
		myPayload = append(myPayload, encodeBoxEntry(id, b)...)
	}
	for r := 0; r < size; r++ {
		if r != self && len(myPayload) > 0 {
			cp.Comm.Isend(myPayload, r, neighborBoxTag)
		}
	}
	waitAll(dataRecv)

	all := make(map[boxlevel.GlobalID]box.Box, len(mine))
	for id, b := range mine {
		all[id] = b
		cp.OutLevel.RecordRemote(id, b)
	}
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		buf := dataRecvBuf[r]
		for i := 0; i < counts[r]; i++ {
			id, b := decodeBoxEntry(buf[i*entrySize:(i+1)*entrySize], dim)
			all[id] = b
			cp.OutLevel.RecordRemote(id, b)
		}
	}
	return all, nil
}

// shareNewNeighborhoodSetsWithOwners ships each rank's outgoing tag->new
// edges to the owning rank of the new-side box, which records the reverse
// new->tag edge in its own Connector.
func shareNewNeighborhoodSetsWithOwners(cp *CommonParams, edges []neighborEdge) error {
	size := cp.Comm.Size()
	self := cp.Comm.Rank()
	entrySize := 4 // rank, block, patch, localID (owner is the destination rank, implicit)

	byOwner := make(map[int][]int)
	for _, e := range edges {
		byOwner[e.to.OwnerRank] = append(byOwner[e.to.OwnerRank],
			e.from.Rank, e.from.Block, e.from.Patch, e.to.LocalID)
	}

	counts := make([]int, size)
	countRecv := make([]mpi.Request, 0, size)
	countRecvBuf := make([][]int, size)
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		buf := make([]int, 1)
		countRecvBuf[r] = buf
		countRecv = append(countRecv, cp.Comm.Irecv(buf, r, neighborEdgeTag))
	}
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		n := len(byOwner[r]) / entrySize
		cp.Comm.Isend([]int{n}, r, neighborEdgeTag)
	}
	waitAll(countRecv)
	for r := 0; r < size; r++ {
		if r != self {
			counts[r] = countRecvBuf[r][0]
		}
	}

	dataRecv := make([]mpi.Request, 0, size)
	dataRecvBuf := make([][]int, size)
	for r := 0; r < size; r++ {
		if r == self || counts[r] == 0 {
			continue
		}
		buf := make([]int, counts[r]*entrySize)
		dataRecvBuf[r] = buf
		dataRecv = append(dataRecv, cp.Comm.Irecv(buf, r, neighborEdgeDataTag))
	}
	for r := 0; r < size; r++ {
		if r != self && len(byOwner[r]) > 0 {
			cp.Comm.Isend(byOwner[r], r, neighborEdgeDataTag)
		}
	}
	waitAll(dataRecv)

	// Record this rank's own cross-owner edges directly, since no message
	// to self was sent above.
	if own := byOwner[self]; len(own) > 0 {
		for i := 0; i*entrySize < len(own); i++ {
			chunk := own[i*entrySize : (i+1)*entrySize]
			recordReverseEdge(cp, self, chunk)
		}
	}
	for r := 0; r < size; r++ {
		if r == self {
			continue
		}
		buf := dataRecvBuf[r]
		for i := 0; i < counts[r]; i++ {
			recordReverseEdge(cp, self, buf[i*entrySize:(i+1)*entrySize])
		}
	}
	return nil
}

func recordReverseEdge(cp *CommonParams, ownerRank int, chunk []int) {
	from := boxlevel.TagID{Rank: chunk[0], Block: chunk[1], Patch: chunk[2]}
	localID := chunk[3]
	cp.Connector.AddReverseEdge(boxlevel.GlobalID{OwnerRank: ownerRank, LocalID: localID}, from)
}

func yieldScheduler() {
	// A dedicated yield for this phase's busy-wait: it runs once after the
	// dendogram loop has fully drained, not on the hot path of any node's
	// state machine.
	runtime.Gosched()
	time.Sleep(50 * time.Microsecond)
}
