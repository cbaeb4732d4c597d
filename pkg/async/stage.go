package async

import (
	"runtime"
	"time"
)

// Handler identifies one caller-owned unit of asynchronous work attached to
// a Stage (in practice, a dendogram Node). Handlers are compared by
// identity, so implementations are expected to be pointers.
type Handler interface{}

// AdvanceMode selects how Stage.Advance waits for progress.
type AdvanceMode int

const (
	// AdvanceAny blocks until at least one attached handler's requests have
	// all completed, then returns that single handler.
	AdvanceAny AdvanceMode = iota
	// AdvanceSome blocks until at least one attached handler is ready, then
	// returns every handler that is ready at that instant.
	AdvanceSome
	// AdvanceAll (the stage's synchronous mode) blocks until every
	// currently-attached handler has completed, returning all of them in
	// completion order.
	AdvanceAll
)

type entry struct {
	handler Handler
	reqs    []reqSlot
}

type reqSlot struct {
	req interface{ Test() (bool, error) }
}

func (e *entry) ready() bool {
	for _, s := range e.reqs {
		if s.req == nil {
			return false
		}
		if done, _ := s.req.Test(); !done {
			return false
		}
	}
	return true
}

// Slots is the contiguous block of request slots a Stage.Attach call hands
// back; the caller fills each slot with the Request produced by posting the
// corresponding Isend/Irecv.
type Slots struct {
	e *entry
}

// Set records the request for slot i of this handler's allocation.
func (s *Slots) Set(i int, r interface{ Test() (bool, error) }) {
	s.e.reqs[i].req = r
}

// Stage is the non-blocking communication multiplexer (AsyncCommStage):
// callers attach a handler together with the number of outstanding
// requests it owns, fill in those requests as they're posted, and poll
// Advance to learn which handlers have completed.
type Stage struct {
	active []*entry
}

// NewStage creates an empty Stage.
func NewStage() *Stage { return &Stage{} }

// Attach allocates nRequests request slots for handler and returns a Slots
// view the caller uses to record each request once posted.
func (s *Stage) Attach(handler Handler, nRequests int) *Slots {
	e := &entry{handler: handler, reqs: make([]reqSlot, nRequests)}
	s.active = append(s.active, e)
	return &Slots{e: e}
}

// HasOutstanding reports whether any attached handler still has incomplete
// requests.
func (s *Stage) HasOutstanding() bool { return len(s.active) > 0 }

// Advance polls the stage according to mode, removing completed handlers
// from the active set and returning them.
func (s *Stage) Advance(mode AdvanceMode) []Handler {
	switch mode {
	case AdvanceAny:
		for {
			if h := s.popFirstReady(); h != nil {
				return []Handler{h}
			}
			if len(s.active) == 0 {
				return nil
			}
			yield()
		}
	case AdvanceSome:
		for {
			ready := s.popAllReady()
			if len(ready) > 0 {
				return ready
			}
			if len(s.active) == 0 {
				return nil
			}
			yield()
		}
	default: // AdvanceAll
		var out []Handler
		for len(s.active) > 0 {
			ready := s.popAllReady()
			if len(ready) == 0 {
				yield()
				continue
			}
			out = append(out, ready...)
		}
		return out
	}
}

func (s *Stage) popFirstReady() Handler {
	for i, e := range s.active {
		if e.ready() {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return e.handler
		}
	}
	return nil
}

func (s *Stage) popAllReady() []Handler {
	var out []Handler
	remaining := s.active[:0]
	for _, e := range s.active {
		if e.ready() {
			out = append(out, e.handler)
		} else {
			remaining = append(remaining, e)
		}
	}
	s.active = remaining
	return out
}

// yield gives other goroutines a chance to make progress (post sends,
// advance receives) before the next poll, instead of spinning hot.
func yield() {
	runtime.Gosched()
	time.Sleep(50 * time.Microsecond)
}
