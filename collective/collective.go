// Package collective implements the ring-collective engine: a barriered
// sequence of steps, each starting `ranks` concurrent neighbor flows
// (rank r sends to rank (r+1) mod ranks), composed over a pluggable
// Transport adapter that knows nothing of cwnd, RTO, or segments.
package collective

import (
	"fmt"

	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
)

// Op names the collective operation, which determines step count and
// chunk-size formula. The engine schedules identically for every op: the
// distinction is purely in how Op.ChunkBytes and Op.Steps derive their
// values, per spec.md §4.5.
type Op uint8

const (
	Allreduce Op = iota
	Allgather
	Reducescatter
	Alltoall
)

func (o Op) String() string {
	switch o {
	case Allreduce:
		return "allreduce"
	case Allgather:
		return "allgather"
	case Reducescatter:
		return "reducescatter"
	case Alltoall:
		return "alltoall"
	default:
		return "?"
	}
}

// Steps returns the number of barriered steps the op runs for a ring of
// the given size.
func (o Op) Steps(ranks int) int {
	switch o {
	case Allreduce:
		return 2 * (ranks - 1)
	default: // Allgather, Reducescatter, Alltoall
		return ranks - 1
	}
}

// ChunkBytes returns the per-step payload each rank sends, given the
// total communicated bytes and ring size.
func (o Op) ChunkBytes(commBytes uint64, ranks int) uint64 {
	if o == Allgather {
		return commBytes
	}
	return ceilDiv(commBytes, uint64(ranks))
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Transport is the adapter a collective drives: it must eventually
// invoke doneCB exactly once with the flow's completion time, and is
// free to open one or more underlying connections to do so.
type Transport interface {
	StartFlow(s *sim.Simulator, flowID fabric.FlowId, src, dst fabric.NodeId, bytes uint64, doneCB func(now sim.SimTime, s *sim.Simulator))
}

// Config holds a ring collective's static parameters.
type Config struct {
	Op           Op
	Hosts        []fabric.NodeId
	ChunkBytes   uint64
	StartFlowId  fabric.FlowId
	Transport    Transport
	DoneCallback func(now sim.SimTime, s *sim.Simulator, h Handle)
}

// Handle exposes a read-only snapshot of a running or completed ring
// collective's progress.
type Handle struct {
	StartAt       sim.SimTime
	ReduceDoneAt  sim.SimTime
	HasReduceDone bool
	DoneAt        sim.SimTime
	Done          bool
	TotalSteps    int
	FlowFctNanos  []int64
	StepStartedAt []sim.SimTime
}

// Ring is one running ring collective: the barriered step state machine
// described in spec.md §4.5.
type Ring struct {
	cfg Config

	totalSteps  int
	step        int
	inflight    int
	cursor      fabric.FlowId
	stepStartAt sim.SimTime

	startAt       sim.SimTime
	reduceDoneAt  sim.SimTime
	hasReduceDone bool
	doneAt        sim.SimTime
	done          bool
	fct           []int64
	stepStartedAt []sim.SimTime
}

// Start constructs and begins a ring collective, returning it immediately
// usable for Handle(). If Config.Op.Steps(len(Hosts)) is zero the
// collective completes synchronously before Start returns.
func Start(s *sim.Simulator, cfg Config) *Ring {
	if len(cfg.Hosts) < 2 {
		panic(fmt.Sprintf("collective: ring needs at least 2 hosts, got %d", len(cfg.Hosts)))
	}
	r := &Ring{cfg: cfg, totalSteps: cfg.Op.Steps(len(cfg.Hosts)), cursor: cfg.StartFlowId}
	r.startAt = s.Now()
	if r.totalSteps == 0 {
		r.doneAt = s.Now()
		r.done = true
		r.fireDone(s)
		return r
	}
	r.beginStep(s)
	return r
}

// StartAt schedules Start to run at the given virtual time rather than
// immediately, for callers that want to line a collective up alongside
// other scheduled work (spec.md §6's "[start_at]" variants). The returned
// *Ring is not usable until the scheduled event has run; callers that
// need the Ring pointer before then should call Start directly from
// inside their own scheduled event, as the test suite does.
func StartAt(s *sim.Simulator, at sim.SimTime, cfg Config, onStarted func(*Ring)) {
	s.Schedule(at, sim.EventFunc(func(s *sim.Simulator, w sim.World) {
		r := Start(s, cfg)
		if onStarted != nil {
			onStarted(r)
		}
	}))
}

// StartRingAllreduce is Start with Config.Op pinned to Allreduce, matching
// spec.md §6's named entry points.
func StartRingAllreduce(s *sim.Simulator, cfg Config) *Ring {
	cfg.Op = Allreduce
	return Start(s, cfg)
}

// StartRingAllgather is Start with Config.Op pinned to Allgather.
func StartRingAllgather(s *sim.Simulator, cfg Config) *Ring {
	cfg.Op = Allgather
	return Start(s, cfg)
}

// StartRingReducescatter is Start with Config.Op pinned to Reducescatter.
func StartRingReducescatter(s *sim.Simulator, cfg Config) *Ring {
	cfg.Op = Reducescatter
	return Start(s, cfg)
}

// StartRingAlltoall is Start with Config.Op pinned to Alltoall.
func StartRingAlltoall(s *sim.Simulator, cfg Config) *Ring {
	cfg.Op = Alltoall
	return Start(s, cfg)
}

// StartRingAllreduceAt is StartAt with Config.Op pinned to Allreduce.
func StartRingAllreduceAt(s *sim.Simulator, at sim.SimTime, cfg Config, onStarted func(*Ring)) {
	cfg.Op = Allreduce
	StartAt(s, at, cfg, onStarted)
}

// StartRingAllgatherAt is StartAt with Config.Op pinned to Allgather.
func StartRingAllgatherAt(s *sim.Simulator, at sim.SimTime, cfg Config, onStarted func(*Ring)) {
	cfg.Op = Allgather
	StartAt(s, at, cfg, onStarted)
}

// StartRingReducescatterAt is StartAt with Config.Op pinned to Reducescatter.
func StartRingReducescatterAt(s *sim.Simulator, at sim.SimTime, cfg Config, onStarted func(*Ring)) {
	cfg.Op = Reducescatter
	StartAt(s, at, cfg, onStarted)
}

// StartRingAlltoallAt is StartAt with Config.Op pinned to Alltoall.
func StartRingAlltoallAt(s *sim.Simulator, at sim.SimTime, cfg Config, onStarted func(*Ring)) {
	cfg.Op = Alltoall
	StartAt(s, at, cfg, onStarted)
}

// Handle returns a snapshot of the collective's current progress.
func (r *Ring) Handle() Handle {
	return Handle{
		StartAt: r.startAt, ReduceDoneAt: r.reduceDoneAt, HasReduceDone: r.hasReduceDone,
		DoneAt: r.doneAt, Done: r.done, TotalSteps: r.totalSteps,
		FlowFctNanos:  append([]int64(nil), r.fct...),
		StepStartedAt: append([]sim.SimTime(nil), r.stepStartedAt...),
	}
}

func (r *Ring) beginStep(s *sim.Simulator) {
	r.stepStartAt = s.Now()
	r.stepStartedAt = append(r.stepStartedAt, r.stepStartAt)
	ranks := len(r.cfg.Hosts)
	r.inflight = ranks
	base := r.cursor
	r.cursor += fabric.FlowId(ranks)

	for rank := 0; rank < ranks; rank++ {
		flowID := base + fabric.FlowId(rank)
		src := r.cfg.Hosts[rank]
		dst := r.cfg.Hosts[(rank+1)%ranks]
		r.cfg.Transport.StartFlow(s, flowID, src, dst, r.cfg.ChunkBytes, func(now sim.SimTime, s *sim.Simulator) {
			s.Schedule(now, flowDoneEvent{ring: r})
		})
	}
}

type flowDoneEvent struct {
	ring *Ring
}

func (e flowDoneEvent) Dispatch(s *sim.Simulator, w sim.World) {
	e.ring.onFlowDone(s)
}

func (r *Ring) onFlowDone(s *sim.Simulator) {
	r.fct = append(r.fct, int64(s.Now()-r.stepStartAt))
	r.inflight--
	if r.inflight > 0 {
		return
	}

	simmetrics.CollectiveStepNanos.Observe(float64(s.Now() - r.stepStartAt))

	if r.cfg.Op == Allreduce && r.step == len(r.cfg.Hosts)-2 {
		r.reduceDoneAt = s.Now()
		r.hasReduceDone = true
	}

	r.step++
	if r.step >= r.totalSteps {
		r.doneAt = s.Now()
		r.done = true
		r.fireDone(s)
		return
	}
	r.beginStep(s)
}

func (r *Ring) fireDone(s *sim.Simulator) {
	simmetrics.CollectiveMakespanNanos.Observe(float64(r.doneAt - r.startAt))
	if r.cfg.DoneCallback != nil {
		r.cfg.DoneCallback(s.Now(), s, r.Handle())
	}
}
