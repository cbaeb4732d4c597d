package brcluster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticemesh/brcluster/pkg/async"
	"github.com/latticemesh/brcluster/pkg/box"
	"github.com/latticemesh/brcluster/pkg/boxlevel"
	"github.com/latticemesh/brcluster/pkg/mpi"
	"github.com/latticemesh/brcluster/pkg/tagfield"
)

// groupStep adapts an in-flight async.Group so it can sit in an
// async.Stage request slot: each Test() call drives the group's internal
// tree collective forward by exactly one poll.
type groupStep struct{ g *async.Group }

func (s groupStep) Test() (bool, error) {
	s.g.Check()
	return s.g.IsDone(), nil
}

const msgFlagAccepted = 1
const msgFlagRejected = 0

// bcastPayloadLen is the fixed length of every bcast_acceptability message:
// [flag, blockID-or-axis, plane-or-lo..., hi...], padded to a constant size
// so the same async.Group shape serves both the accept and reject cases.
func bcastPayloadLen(dim int) int { return 2 + 2*dim }

// pingPayloadLen is the fixed length of a child-completion ping: whether
// the child was directly accepted, its box, and its BoxLevel id.
func pingPayloadLen(dim int) int { return 2 + 2*dim + 2 }

// Node is one dendogram node: a candidate box, its participating group of
// ranks, an owner, and a wait_phase state machine driven by
// ContinueAlgorithm. Node is local to one rank: every participant of a
// dendogram node holds its own Node value, kept consistent with its peers
// purely by the messages the state machine exchanges.
type Node struct {
	Box        box.Box
	Group      []int
	Owner      int
	MPITag     int
	Histogram  [][]int
	NumTags    int
	Acceptance BoxAcceptance
	Phase      WaitPhase

	Parent      *Node
	Left, Right *Node
	Generation  int
	PosIndex    int64

	level tagfield.TagLevel
	cp    *CommonParams
	rank  int

	group *async.Group

	acceptBuf []int

	overlapL, overlapR int
	cutAxis, cutPlane  int

	childOwnerL, childOwnerR int
	childTagL, childTagR     int
	groupL, groupR           []int
	childGroupBuf            []int

	pingRecvL, pingRecvR mpi.Request
	pingBufL, pingBufR   []int

	finalBuf []int

	globalID  boxlevel.GlobalID
	hasGlobal bool
}

// NewRootNode creates a root dendogram node over the given block's
// bounding box, participating the full rank set.
func NewRootNode(cp *CommonParams, level tagfield.TagLevel, blockIndex int, bb box.Box, group []int) *Node {
	owner := chooseRootOwner(cp, group)
	return &Node{
		Box:        bb,
		Group:      group,
		Owner:      owner,
		MPITag:     cp.rootTag(blockIndex),
		Acceptance: AcceptanceUndetermined,
		Phase:      ToBeLaunched,
		Generation: 1,
		PosIndex:   1,
		level:      level,
		cp:         cp,
		rank:       cp.Comm.Rank(),
	}
}

func chooseRootOwner(cp *CommonParams, group []int) int {
	if cp.Opts.OwnerMode == SingleOwner {
		return group[0]
	}
	return group[0]
}

// ContinueAlgorithm performs the work for the node's current wait_phase and
// either advances to the next phase (attaching new requests to the stage)
// or reaches Completed. Called once per pop from the relaunch queue,
// whether the node is freshly created or was just marked ready by the
// stage.
func (n *Node) ContinueAlgorithm() {
	cp := n.cp
	switch n.Phase {
	case ToBeLaunched:
		n.startHistogramReduce(cp)
	case ReduceHistogram:
		n.finishHistogramReduce(cp)
	case BcastAcceptability:
		n.finishBcastAcceptability(cp)
	case GatherGroupingCriteria:
		n.finishGather(cp)
	case BcastChildGroups:
		n.finishBcastChildGroups(cp)
	case RunChildren:
		n.finishRunChildren(cp)
	case BcastToDropouts:
		n.finishBcastToDropouts(cp)
	}
}

func (n *Node) participates() bool { return contains(n.Group, n.rank) }

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// --- Phase 1: to_be_launched -> reduce_histogram ---

func (n *Node) startHistogramReduce(cp *CommonParams) {
	cp.recordParticipation(n.Group)
	if cp.Metrics != nil {
		timer := prometheus.NewTimer(cp.Metrics.HistogramBuild)
		n.Histogram = localHistogram(n.level, n.Box)
		timer.ObserveDuration()
	} else {
		n.Histogram = localHistogram(n.level, n.Box)
	}
	local := flattenHistogram(n.Histogram)

	g := async.NewGroup(cp.Comm, n.Group, n.Owner, n.MPITag, len(local))
	g.StartSumReduce(local)
	n.group = g
	n.Phase = ReduceHistogram
	n.attachGroup(cp)
}

func (n *Node) attachGroup(cp *CommonParams) {
	slots := cp.Stage.Attach(n, 1)
	slots.Set(0, groupStep{g: n.group})
}

// --- Phase 2: reduce_histogram -> bcast_acceptability ---

func (n *Node) finishHistogramReduce(cp *CommonParams) {
	lengths := make([]int, n.Box.Dim)
	for d := 0; d < n.Box.Dim; d++ {
		lengths[d] = n.Box.NumberCells(d)
	}

	buf := make([]int, bcastPayloadLen(cp.Dim))
	if n.rank == n.Owner {
		sum := n.group.SumReduceResult()
		hist := unflattenHistogram(sum, lengths)
		n.NumTags = sumHistogram(hist)

		if n.NumTags == 0 {
			n.Acceptance = AcceptanceHasNoTag
			n.complete(cp)
			return
		}

		bound := n.Box
		shrunk := shrinkToTags(n.Box, hist)
		shrunk = shrunk.GrowToMinSize(bound, cp.Opts.MinBoxSize)
		n.Box = shrunk
		efficiency := float64(n.NumTags) / float64(shrunk.Volume())
		atFloor := !exceedsMinSize(shrunk, cp.Opts.MinBoxSize)
		if (efficiency >= cp.Opts.EfficiencyTol && shrunk.FitsWithin(cp.Opts.MaxBoxSize)) || atFloor {
			n.Acceptance = AcceptedByCalculation
			buf[0] = msgFlagAccepted
			buf[1] = shrunk.BlockID
			copy(buf[2:2+shrunk.Dim], shrunk.Lo[:shrunk.Dim])
			copy(buf[2+shrunk.Dim:2+2*shrunk.Dim], shrunk.Hi[:shrunk.Dim])
		} else {
			// hist covers bound; cut selection indexes a histogram from the
			// box it is given, so pass the slices that cover shrunk.
			trimmed := make([][]int, shrunk.Dim)
			for d := 0; d < shrunk.Dim; d++ {
				off := shrunk.Lo[d] - bound.Lo[d]
				trimmed[d] = hist[d][off : off+shrunk.NumberCells(d)]
			}
			c := selectCut(shrunk, trimmed, cp.Opts)
			n.Acceptance = AcceptanceRejected
			n.cutAxis, n.cutPlane = c.axis, c.plane
			buf[0] = msgFlagRejected
			buf[1] = c.axis
			buf[2] = c.plane
			if cp.Metrics != nil {
				cp.Metrics.Bisections.Inc()
				cp.Metrics.BoxesRejected.Inc()
			}
		}
	}

	g := async.NewGroup(cp.Comm, n.Group, n.Owner, n.MPITag+bcastTagOffset, len(buf))
	g.StartBcast(buf)
	n.group = g
	n.acceptBuf = buf
	n.Phase = BcastAcceptability
	n.attachGroup(cp)
}

// bcastTagOffset separates the acceptability broadcast's messages from the
// histogram reduction's on the same node tag, since SimComm buckets by
// (source, tag) and both operations use this node's group membership.
const bcastTagOffset = 1 << 20

// --- Phase 3: bcast_acceptability -> (gather_grouping_criteria | completed) ---

func (n *Node) finishBcastAcceptability(cp *CommonParams) {
	buf := n.group.BcastResult()
	dim := n.Box.Dim
	if buf[0] == msgFlagAccepted {
		lo := buf[2 : 2+dim]
		hi := buf[2+dim : 2+2*dim]
		n.Box = box.New(buf[1], lo, hi)
		n.Acceptance = AcceptedByCalculation
		n.createBox(cp)
		n.complete(cp)
		return
	}

	n.Acceptance = AcceptanceRejected
	n.cutAxis, n.cutPlane = buf[1], buf[2]
	lower, upper := n.Box.Split(n.cutAxis, n.cutPlane)

	localHistL := localHistogram(n.level, lower)
	localHistR := localHistogram(n.level, upper)
	overlapL := sumHistogram(localHistL)
	overlapR := sumHistogram(localHistR)
	n.overlapL, n.overlapR = overlapL, overlapR

	payload := []int{overlapL, overlapR, n.rank, cp.ownedCountOf(n.rank)}
	g := async.NewGroup(cp.Comm, n.Group, n.Owner, n.MPITag+gatherTagOffset, len(payload))
	g.StartGather(payload)
	n.group = g
	n.Phase = GatherGroupingCriteria
	n.attachGroup(cp)
}

const gatherTagOffset = 2 << 20
const childGroupsTagOffset = 3 << 20
const finalTagOffset = 4 << 20

// --- Phase 4: gather_grouping_criteria -> bcast_child_groups ---

func (n *Node) finishGather(cp *CommonParams) {
	var buf []int
	if n.rank == n.Owner {
		all := n.group.GatherResult() // n * 4 ints, in n.Group order
		var groupL, groupR []int
		bestL, bestLRank := -1, n.Group[0]
		bestR, bestRRank := -1, n.Group[0]
		ownedL := map[int]int{}
		ownedR := map[int]int{}
		for i, rank := range n.Group {
			ov := all[i*4 : i*4+4]
			ovL, ovR, reportedRank, owned := ov[0], ov[1], ov[2], ov[3]
			_ = reportedRank
			if ovL > 0 {
				groupL = append(groupL, rank)
				ownedL[rank] = owned
				if ovL > bestL || (ovL == bestL && rank < bestLRank) {
					bestL, bestLRank = ovL, rank
				}
			}
			if ovR > 0 {
				groupR = append(groupR, rank)
				ownedR[rank] = owned
				if ovR > bestR || (ovR == bestR && rank < bestRRank) {
					bestR, bestRRank = ovR, rank
				}
			}
		}
		ownerL := n.selectChildOwner(cp, groupL, bestLRank)
		ownerR := n.selectChildOwner(cp, groupR, bestRRank)
		tagL := cp.TagPool.Next()
		tagR := cp.TagPool.Next()

		n.groupL, n.groupR = groupL, groupR
		n.childOwnerL, n.childOwnerR = ownerL, ownerR
		n.childTagL, n.childTagR = tagL, tagR

		buf = encodeChildGroups(groupL, ownerL, tagL, groupR, ownerR, tagR, len(n.Group))
	} else {
		buf = make([]int, childGroupsPayloadLen(len(n.Group)))
	}

	g := async.NewGroup(cp.Comm, n.Group, n.Owner, n.MPITag+childGroupsTagOffset, len(buf))
	g.StartBcast(buf)
	n.group = g
	n.childGroupBuf = buf
	n.Phase = BcastChildGroups
	n.attachGroup(cp)
}

func (n *Node) selectChildOwner(cp *CommonParams, candidates []int, mostOverlap int) int {
	if len(candidates) == 0 {
		return n.Owner
	}
	switch cp.Opts.OwnerMode {
	case SingleOwner:
		return n.Group[0]
	case MostOverlap:
		return mostOverlap
	case FewestOwned:
		best, bestCount := candidates[0], -1
		for _, r := range candidates {
			c := cp.ownedCountOf(r)
			if bestCount < 0 || c < bestCount || (c == bestCount && r < best) {
				best, bestCount = r, c
			}
		}
		return best
	case LeastActive:
		best, bestCount := candidates[0], -1
		for _, r := range candidates {
			c := cp.activeCountOf(r)
			if bestCount < 0 || c < bestCount || (c == bestCount && r < best) {
				best, bestCount = r, c
			}
		}
		return best
	default:
		return mostOverlap
	}
}

// childGroupsPayloadLen bounds the bcast_child_groups message: worst case
// every rank in the parent group appears in both children.
func childGroupsPayloadLen(parentGroupSize int) int {
	return 1 + parentGroupSize + 1 + 1 + 1 + parentGroupSize + 1 + 1
}

func encodeChildGroups(groupL []int, ownerL, tagL int, groupR []int, ownerR, tagR int, parentGroupSize int) []int {
	buf := make([]int, childGroupsPayloadLen(parentGroupSize))
	i := 0
	buf[i] = len(groupL)
	i++
	for _, r := range groupL {
		buf[i] = r
		i++
	}
	i = 1 + parentGroupSize
	buf[i] = ownerL
	buf[i+1] = tagL
	i += 2
	buf[i] = len(groupR)
	i++
	for _, r := range groupR {
		buf[i] = r
		i++
	}
	i = 1 + parentGroupSize + 2 + 1 + parentGroupSize
	buf[i] = ownerR
	buf[i+1] = tagR
	return buf
}

func decodeChildGroups(buf []int, parentGroupSize int) (groupL []int, ownerL, tagL int, groupR []int, ownerR, tagR int) {
	i := 0
	nL := buf[i]
	i++
	groupL = append([]int(nil), buf[i:i+nL]...)
	i = 1 + parentGroupSize
	ownerL, tagL = buf[i], buf[i+1]
	i += 2
	nR := buf[i]
	i++
	groupR = append([]int(nil), buf[i:i+nR]...)
	i += parentGroupSize
	ownerR, tagR = buf[i], buf[i+1]
	return
}

// --- Phase 5: bcast_child_groups -> run_children (or straight to bcast_to_dropouts) ---

func (n *Node) finishBcastChildGroups(cp *CommonParams) {
	buf := n.group.BcastResult()
	groupL, ownerL, tagL, groupR, ownerR, tagR := decodeChildGroups(buf, len(n.Group))
	n.groupL, n.groupR = groupL, groupR
	n.childOwnerL, n.childOwnerR = ownerL, ownerR
	n.childTagL, n.childTagR = tagL, tagR

	inL := contains(groupL, n.rank)
	inR := contains(groupR, n.rank)

	lower, upper := n.Box.Split(n.cutAxis, n.cutPlane)
	if inL {
		n.Left = n.newChild(lower, groupL, ownerL, tagL, 2*n.PosIndex)
		cp.Enqueue(n.Left)
	}
	if inR {
		n.Right = n.newChild(upper, groupR, ownerR, tagR, 2*n.PosIndex+1)
		cp.Enqueue(n.Right)
	}

	// The owner coordinates run_children regardless of its own tag overlap
	// with the children it just split off: it must always collect both
	// pings to decide on recombination. Only a non-owner with no overlap in
	// either child is a true dropout.
	if n.rank == n.Owner {
		n.Phase = RunChildren
		n.pingBufL = make([]int, pingPayloadLen(cp.Dim))
		n.pingBufR = make([]int, pingPayloadLen(cp.Dim))
		n.pingRecvL = cp.Comm.Irecv(n.pingBufL, ownerL, tagL+bcastTagOffset)
		n.pingRecvR = cp.Comm.Irecv(n.pingBufR, ownerR, tagR+bcastTagOffset)
		slots := cp.Stage.Attach(n, 2)
		slots.Set(0, n.pingRecvL)
		slots.Set(1, n.pingRecvR)
		return
	}

	if !inL && !inR {
		// A true dropout: skip run_children and wait directly for the
		// owner's final-state broadcast.
		n.startFinalBcast(cp, nil, finalReasonPlain)
		return
	}

	n.Phase = RunChildren

	// A non-owner participant of a child group waits only for its own
	// child(ren) to reach Completed — tracked as stage requests too, so
	// the "queue or stage, never both" invariant holds even though no
	// message is actually exchanged for this wait.
	var waits []interface{ Test() (bool, error) }
	if inL {
		waits = append(waits, childDoneCheck{child: n.Left})
	}
	if inR {
		waits = append(waits, childDoneCheck{child: n.Right})
	}
	slots := cp.Stage.Attach(n, len(waits))
	for i, w := range waits {
		slots.Set(i, w)
	}
}

// childDoneCheck adapts a child Node's Phase into a stage request for a
// non-owner participant, which has no message to wait on.
type childDoneCheck struct{ child *Node }

func (c childDoneCheck) Test() (bool, error) { return c.child.Phase == Completed, nil }

func (n *Node) newChild(b box.Box, group []int, owner, tag int, pos int64) *Node {
	return &Node{
		Box:        b,
		Group:      group,
		Owner:      owner,
		MPITag:     tag,
		Acceptance: AcceptanceUndetermined,
		Phase:      ToBeLaunched,
		Parent:     n,
		Generation: n.Generation + 1,
		PosIndex:   pos,
		level:      n.level,
		cp:         n.cp,
		rank:       n.rank,
	}
}

// --- Phase 6: run_children -> bcast_to_dropouts ---

func (n *Node) finishRunChildren(cp *CommonParams) {
	if n.rank != n.Owner {
		n.startFinalBcast(cp, nil, finalReasonPlain)
		return
	}

	acceptedL, boxL, idL := decodePing(n.pingBufL)
	acceptedR, boxR, idR := decodePing(n.pingBufR)

	var finalBoxes []box.Box
	recombined := false
	if acceptedL && acceptedR {
		union := box.Union(boxL, boxR)
		if union.FitsWithin(cp.Opts.MaxBoxSize) {
			unionTags := sumHistogram(localHistogram(n.level, union))
			unionEff := float64(unionTags) / float64(union.Volume())
			effL := efficiencyOf(n.level, boxL)
			effR := efficiencyOf(n.level, boxR)
			if unionEff >= minF(effL, effR)-cp.Opts.CombineTol {
				finalBoxes = []box.Box{union}
				recombined = true
				cp.OutLevel.Supersede(idL)
				cp.OutLevel.Supersede(idR)
				gid := cp.OutLevel.AddOwned(union)
				n.globalID, n.hasGlobal = gid, true
				if cp.Metrics != nil {
					cp.Metrics.Recombinations.Inc()
				}
			}
		}
	}
	if !recombined {
		if acceptedL {
			finalBoxes = append(finalBoxes, boxL)
		}
		if acceptedR {
			finalBoxes = append(finalBoxes, boxR)
		}
	}

	reason := finalReasonPlain
	if recombined {
		reason = finalReasonRecombined
	}
	n.startFinalBcast(cp, finalBoxes, reason)
}

func efficiencyOf(level tagfield.TagLevel, b box.Box) float64 {
	tags := sumHistogram(localHistogram(level, b))
	if b.Volume() == 0 {
		return 0
	}
	return float64(tags) / float64(b.Volume())
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// exceedsMinSize reports whether some axis of b is longer than minSize. A
// box that does not exceed minSize on any axis is at the min_box floor.
func exceedsMinSize(b box.Box, minSize []int) bool {
	for d := 0; d < b.Dim; d++ {
		if b.NumberCells(d) > minSize[d] {
			return true
		}
	}
	return false
}

func decodePing(buf []int) (accepted bool, b box.Box, id boxlevel.GlobalID) {
	if buf[0] != msgFlagAccepted {
		return false, box.Box{}, boxlevel.GlobalID{}
	}
	dim := (len(buf) - 4) / 2
	lo := buf[2 : 2+dim]
	hi := buf[2+dim : 2+2*dim]
	return true, box.New(buf[1], lo, hi), boxlevel.GlobalID{OwnerRank: buf[len(buf)-2], LocalID: buf[len(buf)-1]}
}

// finalReasonPlain and finalReasonRecombined distinguish, in the
// bcast_to_dropouts payload, whether the owner's final box is one child
// relayed as-is or the product of a union-recombination of both children.
const (
	finalReasonPlain      = 0
	finalReasonRecombined = 1
)

// startFinalBcast begins the owner's final-state broadcast to dropouts —
// generalized here to the whole parent group so every participant, not
// just true dropouts, learns the final accepted boxes this node's subtree
// produced.
func (n *Node) startFinalBcast(cp *CommonParams, finalBoxes []box.Box, reason int) {
	dim := n.Box.Dim
	payloadLen := 1 + 1 + 1 + 2*dim // flag, reason, blockID, lo, hi
	buf := make([]int, payloadLen)
	if n.rank == n.Owner {
		if len(finalBoxes) == 1 {
			b := finalBoxes[0]
			buf[0] = 1
			buf[1] = reason
			buf[2] = b.BlockID
			copy(buf[3:3+dim], b.Lo[:dim])
			copy(buf[3+dim:3+2*dim], b.Hi[:dim])
		}
		if cp.Metrics != nil && n.hasDropouts() {
			cp.Metrics.DropoutBroadcast.Inc()
		}
	}
	g := async.NewGroup(cp.Comm, n.Group, n.Owner, n.MPITag+finalTagOffset, len(buf))
	g.StartBcast(buf)
	n.group = g
	n.finalBuf = buf
	n.Phase = BcastToDropouts
	n.attachGroup(cp)
}

// hasDropouts reports whether any non-owner member of this node's group has
// no overlap with either child box.
func (n *Node) hasDropouts() bool {
	for _, r := range n.Group {
		if r == n.Owner {
			continue
		}
		if !contains(n.groupL, r) && !contains(n.groupR, r) {
			return true
		}
	}
	return false
}

// --- Phase 7: bcast_to_dropouts -> completed ---

func (n *Node) finishBcastToDropouts(cp *CommonParams) {
	buf := n.group.BcastResult()
	if buf[0] == msgFlagAccepted {
		switch {
		case !contains(n.groupL, n.rank) && !contains(n.groupR, n.rank) && n.rank != n.Owner:
			n.Acceptance = AcceptedByDropoutBcast
		case buf[1] == finalReasonRecombined:
			n.Acceptance = AcceptedByRecombination
		default:
			n.Acceptance = AcceptedByOwner
		}
	}
	n.complete(cp)
}

// createBox registers a directly-accepted box into the output BoxLevel if
// this rank is its owner.
func (n *Node) createBox(cp *CommonParams) {
	if n.rank != n.Owner {
		return
	}
	gid := cp.OutLevel.AddOwned(n.Box)
	n.globalID, n.hasGlobal = gid, true
	cp.recordOwnership(n.rank)
	if cp.Metrics != nil {
		cp.Metrics.BoxesAccepted.Inc()
	}
}

// complete finalizes the node: marks it Completed and, if this rank owns a
// non-root node, pings the parent's owner with the result so the parent
// can proceed past run_children.
func (n *Node) complete(cp *CommonParams) {
	n.Phase = Completed
	if n.Parent == nil {
		return
	}
	if n.rank != n.Owner {
		// A non-owner participant's parent learns of this via the
		// childDoneCheck stage entry attached in finishBcastChildGroups;
		// nothing to send.
		return
	}

	dim := n.Box.Dim
	buf := make([]int, pingPayloadLen(dim))
	if n.Acceptance.Accepted() {
		buf[0] = msgFlagAccepted
		buf[1] = n.Box.BlockID
		copy(buf[2:2+dim], n.Box.Lo[:dim])
		copy(buf[2+dim:2+2*dim], n.Box.Hi[:dim])
		if n.hasGlobal {
			buf[len(buf)-2] = n.globalID.OwnerRank
			buf[len(buf)-1] = n.globalID.LocalID
		}
	}
	cp.Comm.Isend(buf, n.Parent.Owner, n.MPITag+bcastTagOffset)
}
