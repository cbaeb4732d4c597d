// Package tagfield defines the narrow external-collaborator interface the
// clustering engine consumes for its tagged-cell input: a level of patches,
// each carrying an integer array over its index box, plus the tag value
// that marks a cell for refinement.
package tagfield

import "github.com/latticemesh/brcluster/pkg/box"

// Patch is one local piece of the tag level: an index box and the integer
// tag array defined over it, stored in row-major (axis-0-fastest) order.
type Patch interface {
	Box() box.Box
	// TagAt returns the tag array value at the cell index idx (same
	// length/order as Box().Dim). Implementations may compute this lazily.
	TagAt(idx []int) int
}

// TagLevel is the external tag source. BlockBoundingBoxes returns one
// global bounding box per block with at least one local patch; LocalPatches
// returns the locally-held patches for a given block.
type TagLevel interface {
	Dim() int
	TagValue() int
	BlockBoundingBoxes() []box.Box
	LocalPatches(blockID int) []Patch
}

// MemoryTagLevel is a reference, in-memory TagLevel used by the CLI and by
// tests to build synthetic scenarios without a real mesh hierarchy.
type MemoryTagLevel struct {
	dim      int
	tagVal   int
	bounds   []box.Box
	patches  map[int][]Patch
}

// NewMemoryTagLevel constructs an empty level for the given dimensionality
// and tag value (cells equal to tagVal are considered tagged).
func NewMemoryTagLevel(dim, tagVal int) *MemoryTagLevel {
	return &MemoryTagLevel{
		dim:     dim,
		tagVal:  tagVal,
		patches: make(map[int][]Patch),
	}
}

func (m *MemoryTagLevel) Dim() int      { return m.dim }
func (m *MemoryTagLevel) TagValue() int { return m.tagVal }

func (m *MemoryTagLevel) BlockBoundingBoxes() []box.Box {
	return append([]box.Box(nil), m.bounds...)
}

func (m *MemoryTagLevel) LocalPatches(blockID int) []Patch {
	return m.patches[blockID]
}

// AddBlockBound registers a block's global bounding box.
func (m *MemoryTagLevel) AddBlockBound(b box.Box) {
	m.bounds = append(m.bounds, b)
}

// ArrayPatch is a dense Patch backed by a flat int slice.
type ArrayPatch struct {
	b    box.Box
	data []int
}

// NewArrayPatch allocates a dense patch over b, all cells initially zero
// (untagged).
func NewArrayPatch(b box.Box) *ArrayPatch {
	return &ArrayPatch{b: b, data: make([]int, b.Volume())}
}

func (p *ArrayPatch) Box() box.Box { return p.b }

func (p *ArrayPatch) offset(idx []int) int {
	off := 0
	stride := 1
	for d := 0; d < p.b.Dim; d++ {
		off += (idx[d] - p.b.Lo[d]) * stride
		stride *= p.b.NumberCells(d)
	}
	return off
}

func (p *ArrayPatch) TagAt(idx []int) int {
	if !p.b.Contains(idx) {
		return 0
	}
	return p.data[p.offset(idx)]
}

// SetTag marks the cell at idx with value v (typically the level's tag
// value).
func (p *ArrayPatch) SetTag(idx []int, v int) {
	p.data[p.offset(idx)] = v
}

// AddPatch attaches a local patch to blockID.
func (m *MemoryTagLevel) AddPatch(blockID int, p Patch) {
	m.patches[blockID] = append(m.patches[blockID], p)
}
