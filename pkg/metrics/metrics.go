// Package metrics exposes the clustering engine's counter/timer surface as
// Prometheus collectors, registered against a caller-supplied registerer so
// tests can use a private registry instead of the global one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the clustering driver records during one
// run. Call New once per process (or once per test) and pass it down to the
// driver and dendogram nodes.
type Collectors struct {
	NodesProcessed   prometheus.Counter
	BoxesAccepted    prometheus.Counter
	BoxesRejected    prometheus.Counter
	Bisections       prometheus.Counter
	Recombinations   prometheus.Counter
	DropoutBroadcast prometheus.Counter
	ClusterDuration  prometheus.Histogram
	HistogramBuild   prometheus.Histogram
}

// New creates and registers a Collectors set against reg. If reg is nil, the
// collectors are created but never registered — useful for unit tests that
// only want to read values back.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		NodesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "dendogram_nodes_processed_total",
			Help:      "Dendogram nodes that have completed acceptance/rejection.",
		}),
		BoxesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "boxes_accepted_total",
			Help:      "Boxes accepted into the output BoxLevel.",
		}),
		BoxesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "boxes_rejected_total",
			Help:      "Boxes rejected for efficiency below tolerance or for exceeding the maximum box size.",
		}),
		Bisections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "bisections_total",
			Help:      "Dendogram nodes split by a zero-swath, inflection-point or bisection cut.",
		}),
		Recombinations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "recombinations_total",
			Help:      "Accepted sibling pairs merged back into one box.",
		}),
		DropoutBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brcluster",
			Name:      "dropout_broadcasts_total",
			Help:      "Final broadcasts by an owning rank for a node whose group has dropout ranks.",
		}),
		ClusterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brcluster",
			Name:      "cluster_duration_seconds",
			Help:      "Wall-clock time to cluster one tag level and compute relationships.",
			Buckets:   prometheus.DefBuckets,
		}),
		HistogramBuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brcluster",
			Name:      "histogram_build_seconds",
			Help:      "Time spent building a dendogram node's per-axis tag histograms.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.NodesProcessed, c.BoxesAccepted, c.BoxesRejected, c.Bisections,
			c.Recombinations, c.DropoutBroadcast, c.ClusterDuration, c.HistogramBuild,
		)
	}
	return c
}
