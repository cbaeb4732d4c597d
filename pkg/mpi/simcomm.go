package mpi

import "sync"

// message is a queued, unmatched send waiting for a matching Irecv.
type message struct {
	source int
	data   []int
	req    *request
}

// recvWait is a queued, unmatched Irecv waiting for a matching send.
type recvWait struct {
	source int
	buf    []int
	req    *request
}

// inbox holds the unmatched sends and receives for one rank, bucketed by
// tag so unrelated dendogram nodes (each with its own tag) never interfere.
type inbox struct {
	mu      sync.Mutex
	msgs    map[int][]message
	waiters map[int][]recvWait
}

func newInbox() *inbox {
	return &inbox{
		msgs:    make(map[int][]message),
		waiters: make(map[int][]recvWait),
	}
}

// Network is the shared delivery fabric for a group of SimComm ranks. One
// Network is created per "physical" communicator; CommDup produces a fresh
// Network so duplicated communicators cannot cross-talk.
type Network struct {
	size   int
	inbox  []*inbox
	barMu  sync.Mutex
	barGen int
	barAt  int
	barCh  chan struct{}

	dupMu      sync.Mutex
	dupGen     int
	dupAt      int
	dupResult  *Network
	dupWake    chan struct{}
}

// NewNetwork creates a fresh in-process network for size simulated ranks.
func NewNetwork(size int) *Network {
	n := &Network{
		size:  size,
		inbox: make([]*inbox, size),
		barCh: make(chan struct{}),
	}
	for i := range n.inbox {
		n.inbox[i] = newInbox()
	}
	return n
}

// Comms returns a Communicator for every rank in the network, ready to be
// handed one per simulated-rank goroutine.
func (n *Network) Comms() []Communicator {
	out := make([]Communicator, n.size)
	for r := 0; r < n.size; r++ {
		out[r] = &SimComm{rank: r, net: n}
	}
	return out
}

// SimComm is the in-process Communicator implementation: non-blocking
// send/receive backed by per-rank inboxes matched on (source, tag).
type SimComm struct {
	rank int
	net  *Network
}

func (c *SimComm) Rank() int { return c.rank }
func (c *SimComm) Size() int { return c.net.size }

func (c *SimComm) Isend(data []int, dest, tag int) Request {
	cp := append([]int(nil), data...)
	req := &request{}

	box := c.net.inbox[dest]
	box.mu.Lock()
	waiters := box.waiters[tag]
	matchIdx := -1
	for i, w := range waiters {
		if w.source == AnySource || w.source == c.rank {
			matchIdx = i
			break
		}
	}
	if matchIdx >= 0 {
		w := waiters[matchIdx]
		box.waiters[tag] = append(waiters[:matchIdx], waiters[matchIdx+1:]...)
		box.mu.Unlock()
		n := copy(w.buf, cp)
		_ = n
		w.req.complete(nil)
		req.complete(nil)
		return req
	}
	box.msgs[tag] = append(box.msgs[tag], message{source: c.rank, data: cp, req: req})
	box.mu.Unlock()
	// The send itself is considered complete once queued: the caller's
	// buffer has already been copied, so it may be reused immediately.
	req.complete(nil)
	return req
}

func (c *SimComm) Irecv(buf []int, source, tag int) Request {
	req := &request{}
	box := c.net.inbox[c.rank]
	box.mu.Lock()
	msgs := box.msgs[tag]
	matchIdx := -1
	for i, m := range msgs {
		if source == AnySource || m.source == source {
			matchIdx = i
			break
		}
	}
	if matchIdx >= 0 {
		m := msgs[matchIdx]
		box.msgs[tag] = append(msgs[:matchIdx], msgs[matchIdx+1:]...)
		box.mu.Unlock()
		copy(buf, m.data)
		req.complete(nil)
		return req
	}
	box.waiters[tag] = append(box.waiters[tag], recvWait{source: source, buf: buf, req: req})
	box.mu.Unlock()
	return req
}

// Barrier blocks the calling goroutine until every rank in the network has
// called Barrier for the current generation.
func (c *SimComm) Barrier() error {
	n := c.net
	n.barMu.Lock()
	gen := n.barGen
	n.barAt++
	if n.barAt == n.size {
		n.barAt = 0
		n.barGen++
		close(n.barCh)
		n.barCh = make(chan struct{})
		n.barMu.Unlock()
		return nil
	}
	ch := n.barCh
	n.barMu.Unlock()
	for {
		<-ch
		n.barMu.Lock()
		if n.barGen != gen {
			n.barMu.Unlock()
			return nil
		}
		ch = n.barCh
		n.barMu.Unlock()
	}
}

// CommDup is a collective rendezvous: every rank must call it once per
// logical duplication, in the same order, and all will receive Communicators
// bound to the same freshly-created Network.
func (c *SimComm) CommDup() (Communicator, error) {
	n := c.net
	n.dupMu.Lock()
	gen := n.dupGen
	n.dupAt++
	if n.dupAt == n.size {
		n.dupResult = NewNetwork(n.size)
		n.dupAt = 0
		n.dupGen++
		wake := n.dupWake
		n.dupWake = make(chan struct{})
		result := n.dupResult
		n.dupMu.Unlock()
		if wake != nil {
			close(wake)
		}
		return &SimComm{rank: c.rank, net: result}, nil
	}
	if n.dupWake == nil {
		n.dupWake = make(chan struct{})
	}
	wake := n.dupWake
	n.dupMu.Unlock()
	for {
		<-wake
		n.dupMu.Lock()
		if n.dupGen != gen {
			result := n.dupResult
			n.dupMu.Unlock()
			return &SimComm{rank: c.rank, net: result}, nil
		}
		wake = n.dupWake
		n.dupMu.Unlock()
	}
}
