package dctcp_test

import (
	"testing"

	"github.com/m-lab/htsim/dctcp"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
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

func TestConnCompletesWithoutCongestion(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := dctcp.NewStack(net)
	c := st.New(1, h0, h1, 100_000, dctcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if !c.Done() {
		t.Fatal("expected connection to complete")
	}
	if c.BytesAcked() != 100_000 {
		t.Fatalf("bytes acked = %d, want 100000", c.BytesAcked())
	}
	if c.Alpha() != 0 {
		t.Fatalf("alpha = %v, want 0 with no ECN marking enabled", c.Alpha())
	}
}

func TestAlphaStaysWithinUnitInterval(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	net.SetAllLinkECNThresholdBytes(1000)
	net.SetAllLinkQueueCapacityBytes(200_000)
	st := dctcp.NewStack(net)
	c := st.New(1, h0, h1, 500_000, dctcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if c.Alpha() < 0 || c.Alpha() > 1 {
		t.Fatalf("alpha = %v, want in [0,1]", c.Alpha())
	}
	if !c.Done() {
		t.Fatal("expected connection to complete despite ECN marking")
	}
}

func TestCwndSampleLogRecordsWhenEnabled(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := dctcp.NewStack(net)
	cfg := dctcp.DefaultConfig()
	cfg.RecordSamples = true
	c := st.New(1, h0, h1, 50_000, cfg)

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if len(c.Samples()) == 0 {
		t.Fatal("expected a non-empty cwnd sample log when RecordSamples is set")
	}
}

func TestCwndSampleLogEmptyByDefault(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := dctcp.NewStack(net)
	c := st.New(1, h0, h1, 50_000, dctcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if len(c.Samples()) != 0 {
		t.Fatalf("expected no cwnd samples by default, got %d", len(c.Samples()))
	}
}

func TestDynamicConnCompletes(t *testing.T) {
	net, h0, h1 := dumbbell(t)
	st := dctcp.NewStack(net)
	c := st.NewDynamic(3, h0, h1, 30_000, dctcp.DefaultConfig())

	s := sim.New()
	st.StartConn(s, c)
	s.Run(net)

	if !c.Done() || c.BytesAcked() != 30_000 {
		t.Fatalf("dynamic conn did not complete: done=%v acked=%d", c.Done(), c.BytesAcked())
	}
}
