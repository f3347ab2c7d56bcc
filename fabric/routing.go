package fabric

// ECMPMode selects the key used to pick among equal-cost next hops.
type ECMPMode uint8

const (
	// ECMPFlow picks one next hop per flow, so all packets of a flow
	// follow the same path through a given switch.
	ECMPFlow ECMPMode = iota
	// ECMPPacket picks per packet, using flow_id XOR pkt_id as the hash
	// key, which may reorder packets within a flow across paths.
	ECMPPacket
)

// fib is the Network's forwarding information base: for every destination
// and every node other than that destination, the set of equal-cost
// (shortest hop count) out-neighbors toward it.
type fib struct {
	// nextHops[dst][from] = candidate next hops.
	nextHops map[NodeId]map[NodeId][]NodeId
}

// buildFIB computes, for every node d, the BFS distance from every node to
// d over the reverse adjacency, then for every v != d records the
// out-neighbors u of v with dist[u] == dist[v]-1.
func buildFIB(numNodes int, outEdges map[NodeId][]NodeId, revEdges map[NodeId][]NodeId) *fib {
	f := &fib{nextHops: make(map[NodeId]map[NodeId][]NodeId, numNodes)}
	for d := NodeId(0); int(d) < numNodes; d++ {
		dist := bfsReverse(d, numNodes, revEdges)
		perFrom := make(map[NodeId][]NodeId, numNodes)
		for v := NodeId(0); int(v) < numNodes; v++ {
			if v == d {
				continue
			}
			dv, ok := dist[v]
			if !ok {
				continue // unreachable from v
			}
			var cands []NodeId
			for _, u := range outEdges[v] {
				du, ok := dist[u]
				if ok && du == dv-1 {
					cands = append(cands, u)
				}
			}
			if len(cands) > 0 {
				perFrom[v] = cands
			}
		}
		f.nextHops[d] = perFrom
	}
	return f
}

// bfsReverse computes, for every node reachable from d by walking edges
// backwards, its hop distance to d.
func bfsReverse(d NodeId, numNodes int, revEdges map[NodeId][]NodeId) map[NodeId]int {
	dist := make(map[NodeId]int, numNodes)
	dist[d] = 0
	queue := []NodeId{d}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, u := range revEdges[v] {
			if _, seen := dist[u]; !seen {
				dist[u] = dist[v] + 1
				queue = append(queue, u)
			}
		}
	}
	return dist
}

// candidates returns the ECMP-equal candidate next hops from `from` toward
// `dst`, or nil if dst is unknown to the FIB or unreachable from `from`.
func (f *fib) candidates(from, dst NodeId) []NodeId {
	perFrom, ok := f.nextHops[dst]
	if !ok {
		return nil
	}
	return perFrom[from]
}

// splitmix64 is a fast, well-distributed 64-bit mix function used for
// deterministic ECMP selection.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// ecmpKey combines the hop, destination, salt, and a per-mode seed into the
// splitmix64 input.
func ecmpKey(from, dst NodeId, salt uint64, seed uint64) uint64 {
	h := salt
	h = splitmix64(h ^ uint64(from))
	h = splitmix64(h ^ uint64(dst))
	h = splitmix64(h ^ seed)
	return h
}

// pickECMP deterministically selects one of cands given key material. It
// panics if cands is empty: a packet with no next-hop candidate at this
// point is a routing loop or unreachable destination, a programmer error
// per spec (Network.ForwardFrom guarantees candidates is non-empty before
// calling this).
func pickECMP(from, dst NodeId, salt uint64, seed uint64, cands []NodeId) NodeId {
	if len(cands) == 0 {
		panic("fabric: pickECMP called with no candidates")
	}
	h := ecmpKey(from, dst, salt, seed)
	return cands[h%uint64(len(cands))]
}
