package tcp_test

import (
	"testing"

	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/tcp"
)

func dumbbell(t *testing.T) (*fabric.Network, fabric.NodeId, fabric.NodeId) {
	t.Helper()
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Milliseconds(10), 10_000_000)
	net.Connect(h1, h0, sim.Milliseconds(10), 10_000_000)
	return net, h0, h1
}

func TestConnCompletesWithoutLoss(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := tcp.NewStack(net)
	c := st.New(1, h0, h1, 100_000, tcp.DefaultConfig())

	s := sim.New()
	var doneAt sim.SimTime
	c.SetDoneCallback(func(now sim.SimTime, s *sim.Simulator) { doneAt = now })
	st.StartConn(s, c)
	s.Run(net)

	if !c.Done() {
		t.Fatal("expected connection to complete")
	}
	if c.BytesAcked() != 100_000 {
		t.Fatalf("bytes acked = %d, want 100000", c.BytesAcked())
	}
	if doneAt <= 0 {
		t.Fatal("done callback never fired with a positive time")
	}
}

func TestCumulativeAckCoversAllBytesUnderLoss(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	net.SetAllLinkQueueCapacityBytes(2_000)
	st := tcp.NewStack(net)
	c := st.New(1, h0, h1, 50_000, tcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if c.BytesAcked() != 50_000 {
		t.Fatalf("bytes acked = %d, want 50000 even with loss and reordering", c.BytesAcked())
	}
}

// Scenario 6 from spec.md §8: a connection that loses its final segment
// must still complete, recovering via RTO rather than hanging forever
// (the tail loss has no later segments to generate three duplicate ACKs).
func TestTailLossRecoversViaRTO(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	// Queue room for one segment: with a burst-sized cwnd the first
	// segment starts serializing at once, the second waits in the queue,
	// and the third (tail) segment cannot enqueue and is dropped. No
	// segment follows it, so it can only be recovered by RTO, not fast
	// retransmit.
	net.SetAllLinkQueueCapacityBytes(1460 + 40)
	st := tcp.NewStack(net)
	cfg := tcp.DefaultConfig()
	cfg.InitCwndBytes = 1 << 30
	c := st.New(1, h0, h1, 3*1460, cfg)

	s := sim.New()
	st.StartConn(s, c)
	s.RunUntil(sim.Seconds(5), net)

	if !c.Done() {
		t.Fatalf("expected tail-loss connection to eventually complete via RTO; acked=%d total=%d", c.BytesAcked(), 3*1460)
	}
}

func TestRTOBacksOffAndStaysClamped(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	net.SetAllLinkQueueCapacityBytes(1) // smaller than any segment: every send drops
	st := tcp.NewStack(net)
	cfg := tcp.DefaultConfig()
	cfg.MaxRTO = sim.Milliseconds(800)
	c := st.New(1, h0, h1, 1460, cfg)

	s := sim.New()
	st.StartConn(s, c)
	s.RunUntil(sim.Seconds(10), net)

	if c.RTO() > cfg.MaxRTO {
		t.Fatalf("RTO = %v, exceeded MaxRTO = %v", c.RTO(), cfg.MaxRTO)
	}
	if c.RTO() != cfg.MaxRTO {
		t.Fatalf("RTO = %v, want it backed off to MaxRTO = %v after repeated timeouts", c.RTO(), cfg.MaxRTO)
	}
}

func TestHandshakeEnabledConnCompletes(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := tcp.NewStack(net)
	cfg := tcp.DefaultConfig()
	cfg.HandshakeEnabled = true
	c := st.New(1, h0, h1, 10_000, cfg)

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if !c.Done() {
		t.Fatal("expected handshake-enabled connection to complete")
	}
	if c.BytesAcked() != 10_000 {
		t.Fatalf("bytes acked = %d, want 10000", c.BytesAcked())
	}
}

func TestDynamicConnCompletes(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := tcp.NewStack(net)
	c := st.NewDynamic(7, h0, h1, 20_000, tcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if !c.Done() || c.BytesAcked() != 20_000 {
		t.Fatalf("dynamic conn did not complete: done=%v acked=%d", c.Done(), c.BytesAcked())
	}
}
