package async

import (
	"sync"
	"testing"
	"time"

	"github.com/latticemesh/brcluster/pkg/mpi"
)

func runGroups(t *testing.T, n int, build func(comm mpi.Communicator) *Group) []*Group {
	t.Helper()
	net := mpi.NewNetwork(n)
	comms := net.Comms()
	groups := make([]*Group, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := build(comms[r])
			mu.Lock()
			groups[r] = g
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	return groups
}

func pollAllDone(t *testing.T, groups []*Group) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allDone := true
		for _, g := range groups {
			if !g.IsDone() {
				g.Check()
				allDone = false
			}
		}
		if allDone {
			return
		}
	}
	t.Fatalf("group collective never completed")
}

func TestGroupBcast(t *testing.T) {
	const n = 6
	groups := runGroups(t, n, func(comm mpi.Communicator) *Group {
		return NewGroup(comm, []int{0, 1, 2, 3, 4, 5}, 2, 100, 3)
	})
	for r, g := range groups {
		buf := make([]int, 3)
		if r == 2 {
			copy(buf, []int{7, 8, 9})
		}
		g.StartBcast(buf)
	}
	pollAllDone(t, groups)
	for _, g := range groups {
		got := g.BcastResult()
		if got[0] != 7 || got[1] != 8 || got[2] != 9 {
			t.Fatalf("rank received %v, want [7 8 9]", got)
		}
	}
}

func TestGroupSumReduce(t *testing.T) {
	const n = 5
	groups := runGroups(t, n, func(comm mpi.Communicator) *Group {
		return NewGroup(comm, []int{0, 1, 2, 3, 4}, 0, 200, 2)
	})
	for r, g := range groups {
		g.StartSumReduce([]int{r + 1, 1})
	}
	pollAllDone(t, groups)
	sum := groups[0].SumReduceResult()
	if sum[0] != 1+2+3+4+5 || sum[1] != n {
		t.Fatalf("sum = %v, want [15 5]", sum)
	}
}

func TestGroupGather(t *testing.T) {
	const n = 7
	groups := runGroups(t, n, func(comm mpi.Communicator) *Group {
		return NewGroup(comm, []int{0, 1, 2, 3, 4, 5, 6}, 3, 300, 2)
	})
	for r, g := range groups {
		g.StartGather([]int{r, r * 10})
	}
	pollAllDone(t, groups)
	out := groups[3].GatherResult()
	for r := 0; r < n; r++ {
		if out[r*2] != r || out[r*2+1] != r*10 {
			t.Fatalf("gather[%d] = %v, want [%d %d]", r, out[r*2:r*2+2], r, r*10)
		}
	}
}

func TestComputeCommunicationTreeDegree(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, 2}, {7, 2}, {8, 3}, {63, 3}, {64, 4},
	}
	for _, c := range cases {
		if got := computeCommunicationTreeDegree(c.size); got != c.want {
			t.Fatalf("degree(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestStageAdvanceAny(t *testing.T) {
	net := mpi.NewNetwork(2)
	comms := net.Comms()
	stage := NewStage()

	type h struct{ id int }
	h1, h2 := &h{1}, &h{2}

	s1 := stage.Attach(h1, 1)
	s2 := stage.Attach(h2, 1)

	r1 := comms[1].Irecv(make([]int, 1), 0, 9)
	r2 := comms[1].Irecv(make([]int, 1), 0, 10)
	s1.Set(0, r1)
	s2.Set(0, r2)

	comms[0].Isend([]int{1}, 1, 9)

	ready := stage.Advance(AdvanceAny)
	if len(ready) != 1 || ready[0] != h1 {
		t.Fatalf("advance(any) = %v, want [h1]", ready)
	}
	if !stage.HasOutstanding() {
		t.Fatalf("expected h2 still outstanding")
	}

	comms[0].Isend([]int{2}, 1, 10)
	ready = stage.Advance(AdvanceAny)
	if len(ready) != 1 || ready[0] != h2 {
		t.Fatalf("advance(any) = %v, want [h2]", ready)
	}
	if stage.HasOutstanding() {
		t.Fatalf("expected no outstanding handlers")
	}
}

func TestStageAdvanceAll(t *testing.T) {
	net := mpi.NewNetwork(2)
	comms := net.Comms()
	stage := NewStage()

	type h struct{ id int }
	handlers := []*h{{1}, {2}, {3}}
	for i, hd := range handlers {
		s := stage.Attach(hd, 1)
		r := comms[1].Irecv(make([]int, 1), 0, 100+i)
		s.Set(0, r)
	}
	for i := range handlers {
		comms[0].Isend([]int{i}, 1, 100+i)
	}

	ready := stage.Advance(AdvanceAll)
	if len(ready) != 3 {
		t.Fatalf("advance(all) returned %d handlers, want 3", len(ready))
	}
	if stage.HasOutstanding() {
		t.Fatalf("expected nothing outstanding after advance(all)")
	}
}

func TestTagPoolMonotonic(t *testing.T) {
	p := NewTagPool(5)
	if p.Next() != 5 || p.Next() != 6 || p.Next() != 7 {
		t.Fatalf("tag pool did not issue monotonic tags")
	}
}
