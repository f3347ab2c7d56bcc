package dctcp

import (
	"github.com/m-lab/htsim/collective"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
)

// CollectiveAdapter implements collective.Transport over a dctcp.Stack,
// the DCTCP counterpart to tcp.CollectiveAdapter.
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
