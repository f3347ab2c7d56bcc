// Command htsim-trace builds the two-host serialization-spacing scenario
// from spec.md §8 scenario 1, runs it, and pretty-prints the resulting
// visualization log.
package main

import (
	"github.com/kr/pretty"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/viz"
)

func main() {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Microseconds(1), 1_000_000_000)

	rec := viz.NewRecorder()
	net.EnableViz(rec)

	s := sim.New()
	net.EmitMeta(s)

	p1 := net.MakePacketDynamic(1, 1000, h0, h1)
	p2 := net.MakePacketDynamic(1, 1000, h0, h1)
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, p1) }))
	s.Schedule(0, sim.EventFunc(func(s *sim.Simulator, w sim.World) { net.ForwardFrom(s, h0, p2) }))
	s.Run(net)

	for _, e := range rec.Events() {
		pretty.Println(e)
	}
}
