// Package boxlevel holds the output containers the clustering engine
// populates: the set of accepted boxes (BoxLevel) and the neighbor-edge
// graph between the tag level and the new level (Connector).
package boxlevel

import (
	"fmt"
	"sync"

	"github.com/latticemesh/brcluster/pkg/box"
)

// GlobalID identifies one accepted box globally: the rank that owns it and
// a per-rank sequence number assigned in creation order.
type GlobalID struct {
	OwnerRank int
	LocalID   int
}

func (id GlobalID) String() string {
	return fmt.Sprintf("%d#%d", id.OwnerRank, id.LocalID)
}

// BoxLevel is the accepted-box output collection, guarded by a mutex.
// Entries come from AddOwned on the owning rank and from RecordRemote during
// the relationship pass; dropout ranks do not record the boxes they learn of
// from a node's final broadcast.
type BoxLevel struct {
	mu         sync.Mutex
	rank       int
	nextID     int
	owned      map[int]box.Box // LocalID -> Box, for boxes this rank owns
	visible    map[GlobalID]box.Box
	superseded map[GlobalID]struct{}
}

// New creates an empty BoxLevel for the local rank.
func New(rank int) *BoxLevel {
	return &BoxLevel{
		rank:       rank,
		owned:      make(map[int]box.Box),
		visible:    make(map[GlobalID]box.Box),
		superseded: make(map[GlobalID]struct{}),
	}
}

// AddOwned records a new locally-owned accepted box and returns its global
// id. IDs are assigned in creation order, per rank.
func (bl *BoxLevel) AddOwned(b box.Box) GlobalID {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	id := GlobalID{OwnerRank: bl.rank, LocalID: bl.nextID}
	bl.nextID++
	bl.owned[id.LocalID] = b
	bl.visible[id] = b
	return id
}

// RecordRemote notes a box this rank has learned about, for accounting. The
// relationship pass records every box it exchanges through it.
func (bl *BoxLevel) RecordRemote(id GlobalID, b box.Box) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.visible[id] = b
}

// OwnedBoxes returns every non-superseded box owned by the local rank.
func (bl *BoxLevel) OwnedBoxes() map[GlobalID]box.Box {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make(map[GlobalID]box.Box, len(bl.owned))
	for localID, b := range bl.owned {
		id := GlobalID{OwnerRank: bl.rank, LocalID: localID}
		if _, dead := bl.superseded[id]; dead {
			continue
		}
		out[id] = b
	}
	return out
}

// Lookup returns the box for id, if known locally and not superseded.
func (bl *BoxLevel) Lookup(id GlobalID) (box.Box, bool) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if _, dead := bl.superseded[id]; dead {
		return box.Box{}, false
	}
	b, ok := bl.visible[id]
	return b, ok
}

// All returns every non-superseded box this rank knows about, owned or not.
func (bl *BoxLevel) All() map[GlobalID]box.Box {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make(map[GlobalID]box.Box, len(bl.visible))
	for id, b := range bl.visible {
		if _, dead := bl.superseded[id]; dead {
			continue
		}
		out[id] = b
	}
	return out
}

// Supersede marks a previously-accepted box as replaced by a later
// recombination, without removing it from the rank-local id space: the id
// is never handed out again and IsSuperseded reports it, while Lookup,
// OwnedBoxes and All no longer return the box.
func (bl *BoxLevel) Supersede(id GlobalID) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	bl.superseded[id] = struct{}{}
}

// IsSuperseded reports whether id was replaced by a recombination.
func (bl *BoxLevel) IsSuperseded(id GlobalID) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	_, dead := bl.superseded[id]
	return dead
}

// TagID identifies a local tag-side graph node: the rank it lives on, its
// block, and its index in that rank's LocalPatches list for the block (tag
// patches have no separate local-id pool).
type TagID struct {
	Rank  int
	Block int
	Patch int
}

func (id TagID) String() string {
	return fmt.Sprintf("tag(%d,%d,%d)", id.Rank, id.Block, id.Patch)
}

// Connector holds directed neighbor edges between a tag-side node set and
// the new BoxLevel's node set. Edges are stored independently in each
// direction so TAG_TO_NEW-only mode never populates the reverse map.
type Connector struct {
	mu         sync.Mutex
	tagToNew   map[TagID]map[GlobalID]struct{}
	newToTag   map[GlobalID]map[TagID]struct{}
	bidirectional bool
}

// NewConnector creates a Connector. If bidirectional is true, AddEdge also
// maintains the reverse map for round-trip queries.
func NewConnector(bidirectional bool) *Connector {
	return &Connector{
		tagToNew:      make(map[TagID]map[GlobalID]struct{}),
		newToTag:      make(map[GlobalID]map[TagID]struct{}),
		bidirectional: bidirectional,
	}
}

// AddEdge records a directed edge from a tag-side node to a new-side node.
func (c *Connector) AddEdge(from TagID, to GlobalID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tagToNew[from] == nil {
		c.tagToNew[from] = make(map[GlobalID]struct{})
	}
	c.tagToNew[from][to] = struct{}{}
	if c.bidirectional {
		if c.newToTag[to] == nil {
			c.newToTag[to] = make(map[TagID]struct{})
		}
		c.newToTag[to][from] = struct{}{}
	}
}

// AddReverseEdge records the new->tag side of an edge directly, used when
// unpacking a reverse-relationship message from a remote owner.
func (c *Connector) AddReverseEdge(to GlobalID, from TagID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bidirectional {
		return
	}
	if c.newToTag[to] == nil {
		c.newToTag[to] = make(map[TagID]struct{})
	}
	c.newToTag[to][from] = struct{}{}
}

// Neighbors returns the new-side neighbors of a tag-side node.
func (c *Connector) Neighbors(from TagID) []GlobalID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GlobalID, 0, len(c.tagToNew[from]))
	for id := range c.tagToNew[from] {
		out = append(out, id)
	}
	return out
}

// ReverseNeighbors returns the tag-side neighbors of a new-side node. Only
// populated when the Connector was created with bidirectional=true.
func (c *Connector) ReverseNeighbors(to GlobalID) []TagID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TagID, 0, len(c.newToTag[to]))
	for id := range c.newToTag[to] {
		out = append(out, id)
	}
	return out
}

// Bidirectional reports whether reverse edges are being maintained.
func (c *Connector) Bidirectional() bool { return c.bidirectional }
