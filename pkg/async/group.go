// Package async implements the tree-structured collective group
// (AsyncCommGroup) and the multiplexing communication stage
// (AsyncCommStage): broadcast, gather and sum-reduce over a subset of
// ranks, each step non-blocking and polled to completion via Check/Advance.
package async

import "github.com/latticemesh/brcluster/pkg/mpi"

// computeCommunicationTreeDegree heuristically picks a k-ary tree degree
// for a collective over groupSize ranks: start at 2, add one per additional
// octave of group size. Matches SAMRAI's
// BergerRigoutsosNode::computeCommunicationTreeDegree.
func computeCommunicationTreeDegree(groupSize int) int {
	deg := 2
	shifted := groupSize >> 3
	for shifted > 0 {
		shifted >>= 3
		deg++
	}
	return deg
}

func indexOf(members []int, rank int) int {
	for i, m := range members {
		if m == rank {
			return i
		}
	}
	return -1
}

// treeChildrenVirt returns the virtual child indices of virt in a k-ary
// heap-shaped tree over n nodes.
func treeChildrenVirt(virt, k, n int) []int {
	var out []int
	first := virt*k + 1
	for c := first; c < first+k && c < n; c++ {
		out = append(out, c)
	}
	return out
}

func treeParentVirt(virt, k int) int {
	if virt == 0 {
		return -1
	}
	return (virt - 1) / k
}

// subtreeRealOrder returns the real member indices in virt's subtree, in
// canonical order: virt itself first, then each child's subtree (in
// increasing virtual-index order). This ordering is purely structural —
// every rank computes it identically without communicating.
func subtreeRealOrder(virt, k, n, rootIdx int) []int {
	real := (virt + rootIdx) % n
	out := []int{real}
	for _, c := range treeChildrenVirt(virt, k, n) {
		out = append(out, subtreeRealOrder(c, k, n, rootIdx)...)
	}
	return out
}

type opKind int

const (
	opBcast opKind = iota
	opGather
	opSumReduce
)

type groupPhase int

const (
	phaseRecvFromParent groupPhase = iota // bcast non-root: waiting for parent
	phaseRecvFromChildren
	phaseSendUp   // gather/reduce non-root: waiting for own send to parent
	phaseSendDown // bcast: waiting for sends to children
	phaseDone
)

// Group is one asynchronous collective over a fixed subset of ranks, built
// as a k-ary send/receive tree.
type Group struct {
	comm    mpi.Communicator
	members []int
	tag     int
	degree  int
	n       int
	rootIdx int
	selfIdx int
	selfVirt int

	parentReal int // -1 if self is root
	children   []childLink

	op     opKind
	vecLen int
	phase  groupPhase

	// bcast
	bcastBuf     []int
	recvReq      mpi.Request
	sendReqs     []mpi.Request

	// gather/reduce upward accumulation
	localOrder   []int // real member indices in self's subtree, canonical order (gather only)
	childRecvBufs []childRecv
	upSendReq    mpi.Request
	upBuf        []int

	// reduce running sum
	sum []int

	// root-only outputs
	gatherOut []int // size n*vecLen, indexed by real member index
	reduceOut []int // size vecLen
}

type childLink struct {
	real  int
	virt  int
	order []int // gather only: real member indices in this child's subtree
}

type childRecv struct {
	link childLink
	buf  []int
	req  mpi.Request
	done bool
}

// NewGroup builds a collective handle for the local rank (must be in
// members) over the given participant ranks, rooted at rootRank, using tag
// for every message this group sends. vecLen is the fixed per-rank vector
// length for Gather/SumReduce.
func NewGroup(comm mpi.Communicator, members []int, rootRank, tag, vecLen int) *Group {
	n := len(members)
	rootIdx := indexOf(members, rootRank)
	selfIdx := indexOf(members, comm.Rank())
	if rootIdx < 0 || selfIdx < 0 {
		panic("async: rank not a participant of its own group")
	}
	degree := computeCommunicationTreeDegree(n)
	selfVirt := (selfIdx - rootIdx + n) % n

	g := &Group{
		comm: comm, members: members, tag: tag, degree: degree, n: n,
		rootIdx: rootIdx, selfIdx: selfIdx, selfVirt: selfVirt, vecLen: vecLen,
	}

	parentVirt := treeParentVirt(selfVirt, degree)
	if parentVirt < 0 {
		g.parentReal = -1
	} else {
		g.parentReal = members[(parentVirt+rootIdx)%n]
	}
	for _, cv := range treeChildrenVirt(selfVirt, degree, n) {
		real := members[(cv+rootIdx)%n]
		g.children = append(g.children, childLink{real: real, virt: cv})
	}
	return g
}

// StartBcast begins broadcasting buf (meaningful on the root only; other
// participants pass a buffer of the same length to receive into).
func (g *Group) StartBcast(buf []int) {
	g.op = opBcast
	g.bcastBuf = buf
	if g.parentReal < 0 {
		g.startBcastSendDown()
		return
	}
	g.recvReq = g.comm.Irecv(g.bcastBuf, g.parentReal, g.tag)
	g.phase = phaseRecvFromParent
}

func (g *Group) startBcastSendDown() {
	g.sendReqs = g.sendReqs[:0]
	for _, c := range g.children {
		g.sendReqs = append(g.sendReqs, g.comm.Isend(g.bcastBuf, c.real, g.tag))
	}
	g.phase = phaseSendDown
}

// StartGather begins gathering localVec (length vecLen) from every
// participant to the root, in member order.
func (g *Group) StartGather(localVec []int) {
	g.op = opGather
	g.localOrder = subtreeRealOrder(g.selfVirt, g.degree, g.n, g.rootIdx)
	g.startUpwardAccumulate(localVec)
}

// StartSumReduce begins summing localVec (length vecLen) across every
// participant, to the root.
func (g *Group) StartSumReduce(localVec []int) {
	g.op = opSumReduce
	g.sum = append([]int(nil), localVec...)
	g.startUpwardAccumulate(localVec)
}

func (g *Group) startUpwardAccumulate(localVec []int) {
	if len(g.children) == 0 {
		g.finishLocalAndSendUp(localVec)
		return
	}
	g.childRecvBufs = g.childRecvBufs[:0]
	for _, c := range g.children {
		var size int
		if g.op == opGather {
			c.order = subtreeRealOrder(c.virt, g.degree, g.n, g.rootIdx)
			size = len(c.order) * g.vecLen
		} else {
			size = g.vecLen
		}
		buf := make([]int, size)
		req := g.comm.Irecv(buf, c.real, g.tag)
		g.childRecvBufs = append(g.childRecvBufs, childRecv{link: c, buf: buf, req: req})
	}
	// stash localVec for use once children arrive
	g.upBuf = append([]int(nil), localVec...)
	g.phase = phaseRecvFromChildren
}

func (g *Group) finishLocalAndSendUp(localVec []int) {
	if g.parentReal < 0 {
		g.finalizeUpward(localVec, nil)
		g.phase = phaseDone
		return
	}
	g.upSendReq = g.comm.Isend(localVec, g.parentReal, g.tag)
	g.phase = phaseSendUp
}

// finalizeUpward combines self's vector with each child's received payload
// (already ordered per g.op's convention) and, if self is root, writes the
// final output; otherwise returns the combined payload to forward upward.
func (g *Group) finalizeUpward(self []int, children []childRecv) []int {
	switch g.op {
	case opSumReduce:
		sum := append([]int(nil), self...)
		for _, cr := range children {
			for i := 0; i < g.vecLen; i++ {
				sum[i] += cr.buf[i]
			}
		}
		g.sum = sum
		if g.parentReal < 0 {
			g.reduceOut = sum
		}
		return sum
	default: // opGather
		combined := append([]int(nil), self...)
		for _, cr := range children {
			combined = append(combined, cr.buf...)
		}
		if g.parentReal < 0 {
			g.gatherOut = make([]int, g.n*g.vecLen)
			g.scatterGatherResult(g.localOrder, combined)
		}
		return combined
	}
}

func (g *Group) scatterGatherResult(order []int, combined []int) {
	for i, real := range order {
		copy(g.gatherOut[real*g.vecLen:(real+1)*g.vecLen], combined[i*g.vecLen:(i+1)*g.vecLen])
	}
}

// Check advances the collective by one poll; it never blocks.
func (g *Group) Check() {
	switch g.phase {
	case phaseRecvFromParent:
		if done, _ := g.recvReq.Test(); done {
			g.startBcastSendDown()
		}
	case phaseSendDown:
		if allDone(g.sendReqs) {
			g.phase = phaseDone
		}
	case phaseRecvFromChildren:
		allReady := true
		for i := range g.childRecvBufs {
			if !g.childRecvBufs[i].done {
				if done, _ := g.childRecvBufs[i].req.Test(); done {
					g.childRecvBufs[i].done = true
				} else {
					allReady = false
				}
			}
		}
		if allReady {
			combined := g.finalizeUpward(g.upBuf, g.childRecvBufs)
			if g.parentReal < 0 {
				g.phase = phaseDone
				return
			}
			g.upSendReq = g.comm.Isend(combined, g.parentReal, g.tag)
			g.phase = phaseSendUp
		}
	case phaseSendUp:
		if done, _ := g.upSendReq.Test(); done {
			g.phase = phaseDone
		}
	}
}

func allDone(reqs []mpi.Request) bool {
	for _, r := range reqs {
		if done, _ := r.Test(); !done {
			return false
		}
	}
	return true
}

// IsDone reports whether the collective has fully completed on this rank.
func (g *Group) IsDone() bool { return g.phase == phaseDone }

// BcastResult returns the broadcast buffer once IsDone reports true.
func (g *Group) BcastResult() []int { return g.bcastBuf }

// GatherResult returns the full gathered vector (root only, n*vecLen ints,
// ordered by member position) once IsDone reports true.
func (g *Group) GatherResult() []int { return g.gatherOut }

// SumReduceResult returns the summed vector (root only) once IsDone reports
// true.
func (g *Group) SumReduceResult() []int { return g.reduceOut }
