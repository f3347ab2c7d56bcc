package collective_test

import (
	"testing"

	"github.com/m-lab/htsim/collective"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
)

// fixedDelayTransport completes every flow exactly Delay after it starts,
// regardless of byte count -- a stand-in for a real tcp/dctcp adapter
// that lets the engine's step-barrier logic be tested in isolation.
type fixedDelayTransport struct {
	Delay sim.SimTime
}

func (t fixedDelayTransport) StartFlow(s *sim.Simulator, flowID fabric.FlowId, src, dst fabric.NodeId, bytes uint64, doneCB func(now sim.SimTime, s *sim.Simulator)) {
	s.Schedule(s.Now().Add(t.Delay), sim.EventFunc(func(s *sim.Simulator, w sim.World) {
		doneCB(s.Now(), s)
	}))
}

// Scenario 5 from spec.md §8: 4-rank allreduce, constant 10µs per flow,
// started at 8µs.
func TestAllreduceFourRankTiming(t *testing.T) {
	net := fabric.NewNetwork()
	hosts := make([]fabric.NodeId, 4)
	for i := range hosts {
		hosts[i] = net.AddHost("h")
	}

	s := sim.New()
	var ring *collective.Ring
	var handleAtDone collective.Handle
	s.Schedule(sim.Microseconds(8), sim.EventFunc(func(s *sim.Simulator, w sim.World) {
		ring = collective.Start(s, collective.Config{
			Op:         collective.Allreduce,
			Hosts:      hosts,
			ChunkBytes: 1000,
			Transport:  fixedDelayTransport{Delay: sim.Microseconds(10)},
			DoneCallback: func(now sim.SimTime, s *sim.Simulator, h collective.Handle) {
				handleAtDone = h
			},
		})
	}))
	s.Run(nil)

	if ring.Handle().TotalSteps != 6 {
		t.Fatalf("total_steps = %d, want 6", ring.Handle().TotalSteps)
	}
	if !handleAtDone.HasReduceDone {
		t.Fatal("expected reduce_done_at to be recorded")
	}
	if handleAtDone.ReduceDoneAt != sim.Microseconds(38) {
		t.Fatalf("reduce_done_at = %v, want 38µs", handleAtDone.ReduceDoneAt)
	}
	if handleAtDone.DoneAt != sim.Microseconds(68) {
		t.Fatalf("done_at = %v, want 68µs", handleAtDone.DoneAt)
	}
	if len(handleAtDone.FlowFctNanos) != 24 {
		t.Fatalf("flow_fct_ns has %d samples, want 24", len(handleAtDone.FlowFctNanos))
	}
	if len(handleAtDone.StepStartedAt) != 6 {
		t.Fatalf("step_started_at has %d entries, want 6", len(handleAtDone.StepStartedAt))
	}
	if handleAtDone.StepStartedAt[0] != sim.Microseconds(8) {
		t.Fatalf("step_started_at[0] = %v, want 8µs", handleAtDone.StepStartedAt[0])
	}
	for _, fct := range handleAtDone.FlowFctNanos {
		if fct != int64(sim.Microseconds(10)) {
			t.Fatalf("flow fct = %d, want %d", fct, int64(sim.Microseconds(10)))
		}
	}
}

func TestStepCountsPerOp(t *testing.T) {
	cases := []struct {
		op    collective.Op
		ranks int
		want  int
	}{
		{collective.Allreduce, 4, 6},
		{collective.Allgather, 4, 3},
		{collective.Reducescatter, 8, 7},
		{collective.Alltoall, 5, 4},
	}
	for _, c := range cases {
		if got := c.op.Steps(c.ranks); got != c.want {
			t.Errorf("%v.Steps(%d) = %d, want %d", c.op, c.ranks, got, c.want)
		}
	}
}

func TestChunkBytesFormulas(t *testing.T) {
	if got := collective.Allreduce.ChunkBytes(1000, 4); got != 250 {
		t.Errorf("allreduce chunk_bytes = %d, want 250", got)
	}
	if got := collective.Allreduce.ChunkBytes(1001, 4); got != 251 {
		t.Errorf("allreduce chunk_bytes (ceil) = %d, want 251", got)
	}
	if got := collective.Allgather.ChunkBytes(1000, 4); got != 1000 {
		t.Errorf("allgather chunk_bytes = %d, want 1000 (per-rank contribution unchanged)", got)
	}
}

func TestReducescatterNeverRecordsReduceDoneAt(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	h2 := net.AddHost("h2")

	s := sim.New()
	ring := collective.Start(s, collective.Config{
		Op:         collective.Reducescatter,
		Hosts:      []fabric.NodeId{h0, h1, h2},
		ChunkBytes: 1000,
		Transport:  fixedDelayTransport{Delay: sim.Microseconds(5)},
	})
	s.Run(net)

	if !ring.Handle().Done {
		t.Fatal("expected reducescatter to complete")
	}
	if ring.Handle().HasReduceDone {
		t.Fatal("reduce_done_at is an allreduce-only milestone")
	}
}

// Named entry points (spec.md §6) must behave identically to Start with
// the matching Op, including the _at variants deferring construction of
// the Ring until the scheduled instant.
func TestNamedRingConstructors(t *testing.T) {
	net := fabric.NewNetwork()
	hosts := []fabric.NodeId{net.AddHost("h0"), net.AddHost("h1"), net.AddHost("h2")}

	s := sim.New()
	var got *collective.Ring
	collective.StartRingAlltoallAt(s, sim.Microseconds(5), collective.Config{
		Hosts:      hosts,
		ChunkBytes: 500,
		Transport:  fixedDelayTransport{Delay: sim.Microseconds(1)},
	}, func(r *collective.Ring) { got = r })
	s.Run(net)

	if got == nil {
		t.Fatal("onStarted callback never fired")
	}
	if got.Handle().StartAt != sim.Microseconds(5) {
		t.Fatalf("start_at = %v, want 5µs", got.Handle().StartAt)
	}
	if got.Handle().TotalSteps != 2 {
		t.Fatalf("total_steps = %d, want 2 (alltoall on 3 ranks)", got.Handle().TotalSteps)
	}
	if !got.Handle().Done {
		t.Fatal("expected alltoall to complete")
	}
}
