package viz_test

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/viz"
)

// TestSinglePacketTrace walks one packet's journey end to end through a
// two-hop topology (h0 -> s0 -> h1) and checks that the recorded event
// sequence is complete and in virtual-time order, the way
// original_source/src/bin/trace_single_packet.rs exercises a run.
func TestSinglePacketTrace(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	s0 := net.AddSwitch("s0")
	h1 := net.AddHost("h1")
	net.Connect(h0, s0, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s0, h1, sim.Microseconds(1), 1_000_000_000)

	rec := viz.NewRecorder()
	net.EnableViz(rec)

	s := sim.New()
	net.EmitMeta(s)
	pkt := net.MakePacketDynamic(1, 1000, h0, h1)
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, pkt) }))
	s.Run(net)

	events := rec.Events()
	if len(events) == 0 {
		t.Fatalf("no events recorded")
	}

	if events[0].Kind != "Meta" {
		t.Fatalf("first event = %q, want Meta", events[0].Kind)
	}
	m, ok := events[0].Payload.(viz.Meta)
	if !ok {
		t.Fatalf("Meta payload has wrong type: %T", events[0].Payload)
	}
	wantMeta := viz.Meta{
		Nodes: []viz.NodeMeta{
			{Id: uint32(h0), Name: "h0", Kind: "host"},
			{Id: uint32(s0), Name: "s0", Kind: "switch"},
			{Id: uint32(h1), Name: "h1", Kind: "host"},
		},
		Links: []viz.LinkMeta{
			{Id: 0, From: uint32(h0), To: uint32(s0), Latency: sim.Microseconds(1), BandwidthBps: 1_000_000_000, CapacityBytes: 0},
			{Id: 1, From: uint32(s0), To: uint32(h1), Latency: sim.Microseconds(1), BandwidthBps: 1_000_000_000, CapacityBytes: 0},
		},
	}
	if diff := deep.Equal(m, wantMeta); diff != nil {
		t.Fatalf("Meta payload diff: %v", diff)
	}

	var kinds []string
	lastT := int64(-1)
	for _, e := range events[1:] {
		if e.TNanos < lastT {
			t.Fatalf("events out of virtual-time order: %d after %d", e.TNanos, lastT)
		}
		lastT = e.TNanos
		kinds = append(kinds, e.Kind)
	}

	want := []string{"NodeForward", "Enqueue", "TxStart", "ArriveNode", "NodeRx", "NodeForward", "Enqueue", "TxStart", "ArriveNode", "Delivered"}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}

	for _, e := range events[1:] {
		if !e.HasPktId || e.PktId != uint64(pkt.Id) {
			t.Fatalf("event %q missing packet id header: %+v", e.Kind, e.Header)
		}
	}
}
