// Package brcluster implements the asynchronous, non-recursive distributed
// Berger-Rigoutsos box clustering engine: given a tag level distributed
// across MPI ranks, it produces a globally consistent BoxLevel of covering
// boxes and, optionally, the neighbor-relationship Connector between the
// tag level and the new level.
package brcluster

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/latticemesh/brcluster/pkg/async"
	"github.com/latticemesh/brcluster/pkg/boxlevel"
	"github.com/latticemesh/brcluster/pkg/metrics"
	"github.com/latticemesh/brcluster/pkg/mpi"
)

// OwnerMode selects how a child box's coordinating rank is chosen.
type OwnerMode int

const (
	SingleOwner OwnerMode = iota
	MostOverlap
	FewestOwned
	LeastActive
)

func (m OwnerMode) String() string {
	switch m {
	case SingleOwner:
		return "single_owner"
	case MostOverlap:
		return "most_overlap"
	case FewestOwned:
		return "fewest_owned"
	case LeastActive:
		return "least_active"
	default:
		return "unknown"
	}
}

// AdvanceMode selects the stage drain discipline the driver uses.
type AdvanceMode int

const (
	Synchronous AdvanceMode = iota
	AdvanceAny
	AdvanceSome
)

func (m AdvanceMode) stageMode() async.AdvanceMode {
	switch m {
	case AdvanceAny:
		return async.AdvanceAny
	case Synchronous:
		return async.AdvanceAll
	default:
		return async.AdvanceSome
	}
}

// RelationshipMode selects the neighbor-computation pass run after
// clustering completes.
type RelationshipMode int

const (
	RelationshipNone RelationshipMode = iota
	TagToNew
	Bidirectional
)

// Options is the full set of user tunables.
type Options struct {
	EfficiencyTol               float64
	CombineTol                  float64
	MinBoxSize                  []int
	MaxBoxSize                  []int
	MinBoxSizeFromCutting       []int
	MaxInflectionCutFromCenter  float64 // in [0,1]
	InflectionCutThresholdAR    float64
	OwnerMode                   OwnerMode
	AdvanceMode                 AdvanceMode
	ComputeRelationships        RelationshipMode
	GhostCellWidth              []int
	LogNodeHistory              bool
}

// DefaultOptions returns reasonable tunables for tests and small examples.
func DefaultOptions(dim int) Options {
	maxBox := make([]int, dim)
	minBox := make([]int, dim)
	minCut := make([]int, dim)
	ghost := make([]int, dim)
	for d := 0; d < dim; d++ {
		maxBox[d] = 16
		minBox[d] = 2
		minCut[d] = 2
		ghost[d] = 1
	}
	return Options{
		EfficiencyTol:              0.8,
		CombineTol:                 0.2,
		MinBoxSize:                 minBox,
		MaxBoxSize:                 maxBox,
		MinBoxSizeFromCutting:      minCut,
		MaxInflectionCutFromCenter: 0.5,
		InflectionCutThresholdAR:   3.0,
		OwnerMode:                  MostOverlap,
		AdvanceMode:                AdvanceSome,
		ComputeRelationships:       RelationshipNone,
		GhostCellWidth:             ghost,
		LogNodeHistory:             false,
	}
}

// Validate rejects a configuration the engine cannot run with.
func (o Options) Validate(dim int) error {
	if len(o.MaxBoxSize) != dim || len(o.MinBoxSize) != dim {
		return &ConfigError{Msg: fmt.Sprintf("max/min box size must have length %d", dim)}
	}
	if o.EfficiencyTol <= 0 || o.EfficiencyTol > 1 {
		return &ConfigError{Msg: fmt.Sprintf("efficiency_tol %v out of (0,1]", o.EfficiencyTol)}
	}
	if o.MaxInflectionCutFromCenter < 0 || o.MaxInflectionCutFromCenter > 1 {
		return &ConfigError{Msg: "max_inflection_cut_from_center must be in [0,1]"}
	}
	return nil
}

// ConfigError is a fatal configuration error detected at clustering entry.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return fmt.Sprintf("brcluster: %s", e.Msg) }

// ResourceError reports tag-pool exhaustion or an unbounded dendogram.
type ResourceError struct{ Msg string }

func (e *ResourceError) Error() string { return fmt.Sprintf("brcluster: %s", e.Msg) }

// CommonParams is the per-invocation shared state threaded into every
// dendogram node: never a global singleton, so two concurrent clusterings
// on disjoint communicators are independent.
type CommonParams struct {
	Comm    mpi.Communicator
	Stage   *async.Stage
	TagPool *async.TagPool
	Opts    Options
	Dim     int

	OutLevel  *boxlevel.BoxLevel
	Connector *boxlevel.Connector

	Metrics *metrics.Collectors
	Log     logr.Logger

	mu           sync.Mutex
	queue        []*Node
	ownedCount   map[int]int // rank -> boxes it accepted as owner (for FEWEST_OWNED); only the local rank's entry grows
	activeCount  map[int]int // rank -> nodes it participates in (for LEAST_ACTIVE)
	baseTag      int
}

// NewCommonParams builds the shared context for one clustering invocation.
func NewCommonParams(comm mpi.Communicator, dim int, opts Options, outLevel *boxlevel.BoxLevel, connector *boxlevel.Connector, m *metrics.Collectors, log logr.Logger) *CommonParams {
	return &CommonParams{
		Comm:        comm,
		Stage:       async.NewStage(),
		TagPool:     async.NewTagPool(1000),
		Opts:        opts,
		Dim:         dim,
		OutLevel:    outLevel,
		Connector:   connector,
		Metrics:     m,
		Log:         log,
		ownedCount:  make(map[int]int),
		activeCount: make(map[int]int),
		baseTag:     1,
	}
}

// Enqueue pushes a node onto the relaunch queue.
func (cp *CommonParams) Enqueue(n *Node) {
	cp.mu.Lock()
	cp.queue = append(cp.queue, n)
	cp.mu.Unlock()
}

// HasQueued reports whether any node is waiting on the relaunch queue.
func (cp *CommonParams) HasQueued() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.queue) > 0
}

// PopAll drains and returns the entire relaunch queue.
func (cp *CommonParams) PopAll() []*Node {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	q := cp.queue
	cp.queue = nil
	return q
}

func (cp *CommonParams) rootTag(blockIndex int) int { return cp.baseTag + blockIndex }

func (cp *CommonParams) recordParticipation(group []int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, r := range group {
		cp.activeCount[r]++
	}
}

func (cp *CommonParams) recordOwnership(rank int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.ownedCount[rank]++
}

func (cp *CommonParams) ownedCountOf(rank int) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.ownedCount[rank]
}

func (cp *CommonParams) activeCountOf(rank int) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount[rank]
}
