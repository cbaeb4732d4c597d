package mpi

import (
	"sync"
	"testing"
	"time"
)

func waitDone(t *testing.T, r Request) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if done, err := r.Test(); done {
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			return
		}
	}
	t.Fatalf("request never completed")
}

func TestSimCommSendBeforeRecv(t *testing.T) {
	net := NewNetwork(2)
	comms := net.Comms()

	sreq := comms[0].Isend([]int{1, 2, 3}, 1, 42)
	waitDone(t, sreq)

	buf := make([]int, 3)
	rreq := comms[1].Irecv(buf, 0, 42)
	waitDone(t, rreq)

	want := []int{1, 2, 3}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf, want)
		}
	}
}

func TestSimCommRecvBeforeSend(t *testing.T) {
	net := NewNetwork(2)
	comms := net.Comms()

	buf := make([]int, 2)
	rreq := comms[1].Irecv(buf, AnySource, 7)

	sreq := comms[0].Isend([]int{9, 10}, 1, 7)
	waitDone(t, sreq)
	waitDone(t, rreq)

	if buf[0] != 9 || buf[1] != 10 {
		t.Fatalf("buf = %v, want [9 10]", buf)
	}
}

func TestSimCommBarrier(t *testing.T) {
	net := NewNetwork(4)
	comms := net.Comms()

	var wg sync.WaitGroup
	for _, c := range comms {
		wg.Add(1)
		go func(c Communicator) {
			defer wg.Done()
			_ = c.Barrier()
		}(c)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("barrier never released all ranks")
	}
}

func TestSimCommDupIsolatesNamespace(t *testing.T) {
	net := NewNetwork(2)
	comms := net.Comms()

	dups := make([]Communicator, 2)
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c Communicator) {
			defer wg.Done()
			d, err := c.CommDup()
			if err != nil {
				t.Errorf("CommDup: %v", err)
			}
			dups[i] = d
		}(i, c)
	}
	wg.Wait()

	// A message on the original communicator must not satisfy a receive
	// posted on the duplicate.
	comms[0].Isend([]int{1}, 1, 5)
	buf := make([]int, 1)
	rreq := dups[1].Irecv(buf, 0, 5)
	time.Sleep(20 * time.Millisecond)
	if done, _ := rreq.Test(); done {
		t.Fatalf("duplicate communicator received a message sent on the original")
	}
}
