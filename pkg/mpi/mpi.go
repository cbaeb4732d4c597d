// Package mpi defines the narrow MPI-like communicator abstraction the
// clustering engine depends on, and ships one concrete, in-process
// implementation (SimComm) for running many simulated ranks inside a single
// OS process without a real MPI runtime.
//
// The vocabulary (rank/size/isend/irecv/tag, request objects polled with
// Test) follows the familiar Go-MPI-binding shape; the in-process delivery
// mechanism — a per-rank inbox matched against pending receives — follows a
// Host/Comms dispatch model rather than a real NIC.
package mpi

import (
	"fmt"
	"sync"
)

// AnySource matches an Irecv against a message from any rank.
const AnySource = -1

// Request is a handle to a non-blocking send or receive. Test is safe to
// call repeatedly and from any goroutine; it never blocks.
type Request interface {
	Test() (done bool, err error)
}

// Communicator is the set of MPI-like primitives the engine needs: rank,
// size, barrier, non-blocking point-to-point send/receive of integer
// buffers, and duplication into a private communicator so clustering
// traffic cannot collide with unrelated code sharing the same process.
type Communicator interface {
	Rank() int
	Size() int
	Barrier() error
	// Isend sends a copy of data to dest tagged with tag. The caller may
	// reuse or discard data immediately after this call returns.
	Isend(data []int, dest, tag int) Request
	// Irecv posts a non-blocking receive for a message from source (or
	// AnySource) tagged with tag, to be unpacked into buf once the
	// returned Request reports done.
	Irecv(buf []int, source, tag int) Request
	// CommDup returns a communicator over the same ranks but with an
	// isolated message namespace. It is a collective call: every rank in
	// the communicator must call it the same number of times, in the
	// same order, for the returned communicators to correspond to each
	// other.
	CommDup() (Communicator, error)
}

type request struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (r *request) complete(err error) {
	r.mu.Lock()
	r.done = true
	r.err = err
	r.mu.Unlock()
}

func (r *request) Test() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.err
}

// ConfigError reports a fatal communicator misconfiguration detected at
// clustering entry.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("mpi: %s", e.Msg) }
