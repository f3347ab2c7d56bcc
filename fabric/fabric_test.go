package fabric_test

import (
	"testing"

	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/viz"
)

// Scenario 1 from spec.md §8: two-host serialization spacing.
func TestTwoHostSerializationSpacing(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Microseconds(1), 1_000_000_000)

	s := sim.New()
	p1 := net.MakePacketDynamic(1, 1000, h0, h1)
	p2 := net.MakePacketDynamic(1, 1000, h0, h1)
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, p1) }))
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, p2) }))
	s.Run(net)

	link, _ := net.LinkBetween(h0, h1)
	if link.DeliveredPkts != 2 {
		t.Fatalf("delivered = %d, want 2", link.DeliveredPkts)
	}
	if link.DroppedPkts != 0 {
		t.Fatalf("dropped = %d, want 0", link.DroppedPkts)
	}
}

// Scenario 2: DropTail.
func TestDropTail(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Microseconds(1), 1_000_000_000)
	net.SetAllLinkQueueCapacityBytes(100)

	s := sim.New()
	pkt := net.MakePacketDynamic(1, 200, h0, h1)
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, pkt) }))
	s.Run(net)

	link, _ := net.LinkBetween(h0, h1)
	if link.DroppedPkts != 1 {
		t.Fatalf("dropped = %d, want 1", link.DroppedPkts)
	}
	if link.DeliveredPkts != 0 {
		t.Fatalf("delivered = %d, want 0", link.DeliveredPkts)
	}
}

// Scenario 4: ECMP modes on a diamond topology.
func buildDiamond(t *testing.T) (*fabric.Network, fabric.NodeId, fabric.NodeId) {
	t.Helper()
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	s0 := net.AddSwitch("s0")
	s1 := net.AddSwitch("s1")
	s2 := net.AddSwitch("s2")
	s3 := net.AddSwitch("s3")
	h1 := net.AddHost("h1")
	net.Connect(h0, s0, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s0, s1, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s0, s2, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s1, s3, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s2, s3, sim.Microseconds(1), 1_000_000_000)
	net.Connect(s3, h1, sim.Microseconds(1), 1_000_000_000)
	return net, h0, h1
}

func TestECMPFlowModeSameFlowSamePath(t *testing.T) {
	net, h0, h1 := buildDiamond(t)
	path1 := net.RouteECMPPath(h0, h1, 42)
	path2 := net.RouteECMPPath(h0, h1, 42)
	if len(path1) != len(path2) {
		t.Fatalf("paths differ in length: %v vs %v", path1, path2)
	}
	for i := range path1 {
		if path1[i] != path2[i] {
			t.Fatalf("same flow id produced different paths: %v vs %v", path1, path2)
		}
	}
}

func TestRouteECMPPathIsShortest(t *testing.T) {
	net, h0, h1 := buildDiamond(t)
	path := net.RouteECMPPath(h0, h1, 7)
	if path[0] != h0 || path[len(path)-1] != h1 {
		t.Fatalf("path %v does not start/end correctly", path)
	}
	if len(path) != 5 { // h0 s0 {s1|s2} s3 h1
		t.Fatalf("path length = %d, want 5 (shortest path): %v", len(path), path)
	}
	if len(path) > net.NumNodes() {
		t.Fatalf("path longer than node count")
	}
}

func TestECMPFlowModeSameFlowSameLinkInTraffic(t *testing.T) {
	net, h0, h1 := buildDiamond(t)
	s0 := fabric.NodeId(1)
	s1 := fabric.NodeId(2)
	s2 := fabric.NodeId(3)
	net.SetECMPHashMode(fabric.ECMPFlow)

	s := sim.New()
	for i := 0; i < 5; i++ {
		pkt := net.MakePacketDynamic(99, 100, h0, h1)
		s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, pkt) }))
	}
	s.Run(net)

	l1, _ := net.LinkBetween(s0, s1)
	l2, _ := net.LinkBetween(s0, s2)
	used1 := l1.DeliveredPkts > 0
	used2 := l2.DeliveredPkts > 0
	if used1 == used2 {
		t.Fatalf("flow mode should route every packet of one flow through exactly one of s1/s2; s0->s1=%d s0->s2=%d", l1.DeliveredPkts, l2.DeliveredPkts)
	}
}

// Scenario 3: ACK priority.
func TestAckPriority(t *testing.T) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Microseconds(1), 1_000_000_000)
	rec := viz.NewRecorder()
	net.EnableViz(rec)

	s := sim.New()
	blocker := net.MakePacketDynamic(1, 1000, h0, h1)
	data := net.MakePacketDynamic(1, 900, h0, h1)
	ack := net.MakePacketDynamic(1, 60, h0, h1)
	ack.Transport.HighPriority = true

	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) {
		net.ForwardFrom(s, h0, blocker)
		// While the link is busy transmitting the blocker, queue data
		// before the ACK; the ACK must still go out first.
		net.ForwardFrom(s, h0, data)
		net.ForwardFrom(s, h0, ack)
	}))
	s.Run(net)

	var sizes []uint32
	for _, e := range rec.Events() {
		if e.Kind == "TxStart" {
			sizes = append(sizes, e.Header.PktBytes)
		}
	}
	want := []uint32{1000, 60, 900}
	if len(sizes) != len(want) {
		t.Fatalf("TxStart order = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("TxStart order = %v, want %v", sizes, want)
		}
	}
}

func TestECMPPacketModeCanSplitAFlow(t *testing.T) {
	net, h0, h1 := buildDiamond(t)
	s0 := fabric.NodeId(1)
	s1 := fabric.NodeId(2)
	s2 := fabric.NodeId(3)
	net.SetECMPHashMode(fabric.ECMPPacket)

	s := sim.New()
	for i := 0; i < 64; i++ {
		pkt := net.MakePacketDynamic(99, 100, h0, h1)
		s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, pkt) }))
	}
	s.Run(net)

	l1, _ := net.LinkBetween(s0, s1)
	l2, _ := net.LinkBetween(s0, s2)
	if l1.DeliveredPkts == 0 || l2.DeliveredPkts == 0 {
		t.Fatalf("expected packet-mode ECMP to split 64 packets of one flow across both paths; s0->s1=%d s0->s2=%d", l1.DeliveredPkts, l2.DeliveredPkts)
	}
}
