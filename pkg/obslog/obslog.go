// Package obslog provides the structured logger every component in this
// module logs through, in a "component: message" voice: component name
// becomes the logr name, which stdr renders as a "name: " line prefix, with
// levels and key/value fields instead of bare Printf strings.
package obslog

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

func init() {
	stdr.SetVerbosity(1)
}

// base is the process-wide root logger, writing to the standard logger so
// output interleaves naturally with anything still using the log package.
var base = stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))

// For returns a named logger for one component, e.g. obslog.For("node") or
// obslog.For(fmt.Sprintf("node-%d", rank)).
func For(component string) logr.Logger {
	return base.WithName(component)
}

// WithRank returns a logger further scoped to a simulated MPI rank, the
// dimension most log lines in this module need to disambiguate by.
func WithRank(l logr.Logger, rank int) logr.Logger {
	return l.WithValues("rank", rank)
}
