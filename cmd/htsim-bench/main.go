// Command htsim-bench runs the dumbbell TCP tail-loss scenario from
// spec.md §8 scenario 6 across a small sweep of link bandwidths, one
// simulation per bandwidth run concurrently via errgroup, and prints the
// resulting flow completion times.
package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/tcp"
)

var errDidNotComplete = errors.New("connection did not complete within the simulated deadline")

var bandwidthsBps = []uint64{1_000_000, 10_000_000, 100_000_000, 1_000_000_000}

func main() {
	var mu sync.Mutex
	results := make(map[uint64]sim.SimTime, len(bandwidthsBps))

	var g errgroup.Group
	for _, bw := range bandwidthsBps {
		bw := bw
		g.Go(func() error {
			fct, err := runOnce(bw)
			if err != nil {
				return fmt.Errorf("bandwidth %d: %w", bw, err)
			}
			mu.Lock()
			results[bw] = fct
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(err)
	}

	sorted := append([]uint64(nil), bandwidthsBps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, bw := range sorted {
		fmt.Printf("bandwidth=%d bps  fct=%d\n", bw, results[bw])
	}
}

// runOnce runs spec.md §8 scenario 6 (a tail-dropped segment recovered by
// RTO) at a fixed bandwidth and returns the connection's flow completion
// time.
func runOnce(bandwidthBps uint64) (sim.SimTime, error) {
	net := fabric.NewNetwork()
	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.Connect(h0, h1, sim.Milliseconds(10), bandwidthBps)
	net.Connect(h1, h0, sim.Milliseconds(10), bandwidthBps)
	net.SetAllLinkQueueCapacityBytes(1460 + 40)

	st := tcp.NewStack(net)
	cfg := tcp.DefaultConfig()
	cfg.InitCwndBytes = 1 << 30
	c := st.New(1, h0, h1, 3*1460, cfg)

	s := sim.New()
	st.StartConn(s, c)
	s.RunUntil(sim.Seconds(30), net)

	if !c.Done() {
		return 0, errDidNotComplete
	}
	return c.DoneAt() - c.StartAt(), nil
}
