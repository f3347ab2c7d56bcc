package tcp

import (
	"github.com/m-lab/htsim/collective"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
)

// CollectiveAdapter implements collective.Transport over a tcp.Stack:
// every collective flow becomes one Preset-routed TCP connection, and
// the adapter's only job is wiring that connection's done callback to
// the collective engine's expectations.
type CollectiveAdapter struct {
	Stack *Stack
	Cfg   Config
}

// StartFlow implements collective.Transport.
func (a CollectiveAdapter) StartFlow(s *sim.Simulator, flowID fabric.FlowId, src, dst fabric.NodeId, bytes uint64, doneCB func(now sim.SimTime, s *sim.Simulator)) {
	c := a.Stack.New(flowID, src, dst, bytes, a.Cfg)
	c.SetDoneCallback(doneCB)
	a.Stack.StartConn(s, c)
}

var _ collective.Transport = CollectiveAdapter{}
