// Package fabric implements the packet-forwarding layer: a node/link
// graph, per-link priority egress queues with serialization and
// propagation delay, optional ECN marking, and a shortest-path ECMP FIB.
// It knows nothing of TCP, DCTCP, or collectives; those layers plug in
// through DeliveryHandler.
package fabric

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/logx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
	"github.com/m-lab/htsim/viz"
)

var dropLogger = log.New(os.Stderr, "fabric: ", log.LstdFlags)

// DeliveryHandler lets a transport layer observe packets that terminate at
// their destination, without the fabric importing that layer. tcp.Stack
// and dctcp.Stack each implement this and register themselves with
// Network.RegisterTransport.
type DeliveryHandler interface {
	OnDeliver(s *sim.Simulator, net *Network, pkt Packet)
}

type edgeKey struct{ from, to NodeId }

// Network is the fabric container: it owns every Node and Link, the FIB,
// and the registered transport delivery handlers. Network itself
// satisfies sim.World, so a caller drives a simulation with
// Simulator.Run(network) (or RunUntil) directly; the fabric's own events
// downcast nothing -- they close over *Network at Schedule time, the
// idiomatic Go stand-in for the take/restore borrow dance described in
// the design notes for languages without unrestricted sharing.
type Network struct {
	nodes []Node
	links []*Link

	linkByEdge map[edgeKey]LinkId
	outEdges   map[NodeId][]NodeId
	revEdges   map[NodeId][]NodeId

	fibDirty bool
	f        *fib

	ecmpSalt uint64
	ecmpMode ECMPMode

	hostQueueCapacityBytes   uint64
	switchQueueCapacityBytes uint64

	nextPacketId PacketId

	handlers map[TransportKind]DeliveryHandler

	Viz *viz.Recorder

	dropLog logx.Logger
}

// defaultECMPSalt is an arbitrary fixed constant; callers who need a
// different salt construct with NewNetworkWithSalt.
const defaultECMPSalt = 0x9E3779B97F4A7C15

// NewNetwork returns an empty Network with default ECMP salt and Flow
// hashing mode, and no visualization recorder attached.
func NewNetwork() *Network {
	return NewNetworkWithSalt(defaultECMPSalt)
}

// NewNetworkWithSalt is like NewNetwork but lets a caller pin the ECMP
// salt, e.g. to reproduce a specific path split across runs.
func NewNetworkWithSalt(salt uint64) *Network {
	return &Network{
		linkByEdge: make(map[edgeKey]LinkId),
		outEdges:   make(map[NodeId][]NodeId),
		revEdges:   make(map[NodeId][]NodeId),
		ecmpSalt:   salt,
		ecmpMode:   ECMPFlow,
		handlers:   make(map[TransportKind]DeliveryHandler),
		dropLog:    logx.NewLogEvery(dropLogger, 2*time.Second),
	}
}

// EnableViz attaches a visualization recorder. Passing a fresh Recorder
// and then calling EmitMeta once the topology is fully built gives replay
// tooling the uniqueness/completeness guarantee spec.md leaves as the
// caller's responsibility.
func (net *Network) EnableViz(r *viz.Recorder) { net.Viz = r }

// EmitMeta records a Meta event describing the current topology. Callers
// should call this once, at t=0, after the topology is fully configured.
func (net *Network) EmitMeta(s *sim.Simulator) {
	if net.Viz == nil {
		return
	}
	m := viz.Meta{}
	for _, n := range net.nodes {
		m.Nodes = append(m.Nodes, viz.NodeMeta{Id: uint32(n.Id), Name: n.Name, Kind: n.Kind.String()})
	}
	for _, l := range net.links {
		m.Links = append(m.Links, viz.LinkMeta{
			Id: uint32(l.Id), From: uint32(l.From), To: uint32(l.To),
			Latency: l.Latency, BandwidthBps: l.Bandwidth, CapacityBytes: l.Queue.CapacityBytes(),
		})
	}
	net.Viz.Record(s.Now(), "Meta", m)
}

// RegisterTransport installs the delivery handler for a transport kind.
// Registering the same kind twice replaces the previous handler.
func (net *Network) RegisterTransport(kind TransportKind, h DeliveryHandler) {
	net.handlers[kind] = h
}

// ---- Topology construction ----

// AddHost creates a new Host node and returns its id.
func (net *Network) AddHost(name string) NodeId { return net.addNode(name, Host) }

// AddSwitch creates a new Switch node and returns its id.
func (net *Network) AddSwitch(name string) NodeId { return net.addNode(name, Switch) }

func (net *Network) addNode(name string, kind NodeKind) NodeId {
	id := NodeId(len(net.nodes))
	net.nodes = append(net.nodes, Node{Id: id, Name: name, Kind: kind})
	net.fibDirty = true
	return id
}

// Connect creates a directed link from -> to. Bidirectional links require
// two Connect calls. The new link's egress queue capacity defaults to
// whatever SetHostEgressQueueCapacityBytes / SetSwitchEgressQueueCapacityBytes
// most recently configured for the `from` node's kind (0/unbounded until
// configured).
func (net *Network) Connect(from, to NodeId, latency sim.SimTime, bandwidthBps uint64) LinkId {
	net.mustHaveNode(from)
	net.mustHaveNode(to)
	id := LinkId(len(net.links))
	cap := net.switchQueueCapacityBytes
	if net.nodes[from].Kind == Host {
		cap = net.hostQueueCapacityBytes
	}
	l := &Link{
		Id: id, From: from, To: to, Latency: latency, Bandwidth: bandwidthBps,
		Queue: NewPriorityQueue(cap),
	}
	net.links = append(net.links, l)
	net.linkByEdge[edgeKey{from, to}] = id
	net.outEdges[from] = append(net.outEdges[from], to)
	net.revEdges[to] = append(net.revEdges[to], from)
	net.fibDirty = true
	return id
}

func (net *Network) mustHaveNode(id NodeId) {
	if int(id) >= len(net.nodes) {
		panic(fmt.Sprintf("fabric: node %d does not exist", id))
	}
}

// NumNodes returns the number of nodes created so far.
func (net *Network) NumNodes() int { return len(net.nodes) }

// Node returns a copy of node id's current state. Panics if id is out of
// range (programmer error).
func (net *Network) Node(id NodeId) Node {
	net.mustHaveNode(id)
	return net.nodes[id]
}

// Link returns the link with the given id, or nil if out of range.
func (net *Network) Link(id LinkId) *Link {
	if int(id) >= len(net.links) {
		return nil
	}
	return net.links[id]
}

// LinkBetween returns the link from -> to, if Connect has been called for
// that directed pair.
func (net *Network) LinkBetween(from, to NodeId) (*Link, bool) {
	id, ok := net.linkByEdge[edgeKey{from, to}]
	if !ok {
		return nil, false
	}
	return net.links[id], true
}

// ---- Packet construction ----

// MakePacket builds a packet that follows a fully precomputed node path
// (including both endpoints) rather than consulting the FIB at each hop.
func (net *Network) MakePacket(flowID FlowId, sizeBytes uint32, path []NodeId) Packet {
	if len(path) < 2 {
		panic("fabric: preset path must have at least src and dst")
	}
	return net.newPacket(flowID, sizeBytes, path[0], path[len(path)-1], PresetRouting(append([]NodeId(nil), path...)))
}

// MakePacketDynamic builds a packet with no preset route: every hop is
// resolved by the FIB at forward time.
func (net *Network) MakePacketDynamic(flowID FlowId, sizeBytes uint32, src, dst NodeId) Packet {
	return net.newPacket(flowID, sizeBytes, src, dst, DynamicRouting())
}

// MakePacketMixed builds a packet that follows prefix (which must start at
// src) until exhausted, then falls back to FIB resolution for the
// remainder of the journey to dst.
func (net *Network) MakePacketMixed(flowID FlowId, sizeBytes uint32, prefix []NodeId, dst NodeId) Packet {
	if len(prefix) < 1 {
		panic("fabric: mixed prefix must include at least src")
	}
	return net.newPacket(flowID, sizeBytes, prefix[0], dst, MixedRouting(append([]NodeId(nil), prefix...)))
}

func (net *Network) newPacket(flowID FlowId, sizeBytes uint32, src, dst NodeId, routing Routing) Packet {
	id := net.nextPacketId
	net.nextPacketId++
	return Packet{
		Id: id, FlowId: flowID, SizeBytes: sizeBytes, Src: src, Dst: dst,
		ECN: NotECT, Routing: routing,
	}
}

// ---- FIB / ECMP ----

// SetECMPHashMode selects whether ECMP picks are made per-flow (stable
// within a flow) or per-packet (may reorder a flow across paths).
func (net *Network) SetECMPHashMode(mode ECMPMode) { net.ecmpMode = mode }

func (net *Network) ensureFIB() {
	if !net.fibDirty && net.f != nil {
		return
	}
	net.f = buildFIB(len(net.nodes), net.outEdges, net.revEdges)
	net.fibDirty = false
}

// RouteECMPPath computes the ECMP path the fabric would currently pick for
// a flow from src to dst, without sending any packets. Used by callers
// that want a Preset route precomputed (so forwarding does not re-consult
// the FIB at every hop for that flow), and by tests asserting route
// properties. Panics if dst is unreachable from src (programmer error:
// this mirrors the panic forward_from would eventually hit).
func (net *Network) RouteECMPPath(src, dst NodeId, flowID FlowId) []NodeId {
	net.mustHaveNode(src)
	net.mustHaveNode(dst)
	net.ensureFIB()
	path := []NodeId{src}
	cur := src
	for cur != dst {
		cands := net.f.candidates(cur, dst)
		if len(cands) == 0 {
			panic(fmt.Sprintf("fabric: %d is unreachable from %d", dst, src))
		}
		cur = pickECMP(cur, dst, net.ecmpSalt, uint64(flowID), cands)
		path = append(path, cur)
		if len(path) > len(net.nodes) {
			panic("fabric: routing loop computing ECMP path")
		}
	}
	return path
}

// ---- Configuration ----

// SetLinkQueueCapacityBytes sets the egress queue byte capacity of the
// link from -> to. Panics if that directed edge does not exist.
func (net *Network) SetLinkQueueCapacityBytes(from, to NodeId, bytes uint64) {
	l, ok := net.LinkBetween(from, to)
	if !ok {
		panic(fmt.Sprintf("fabric: no link %d -> %d to configure", from, to))
	}
	l.Queue.SetCapacityBytes(bytes)
}

// SetAllLinkQueueCapacityBytes sets the egress queue byte capacity of
// every link currently in the topology.
func (net *Network) SetAllLinkQueueCapacityBytes(bytes uint64) {
	for _, l := range net.links {
		l.Queue.SetCapacityBytes(bytes)
	}
}

// SetHostEgressQueueCapacityBytes sets the default capacity applied to
// links whose `from` node is a Host, for links connected from now on, and
// retroactively for already-connected host-egress links.
func (net *Network) SetHostEgressQueueCapacityBytes(bytes uint64) {
	net.hostQueueCapacityBytes = bytes
	for _, l := range net.links {
		if net.nodes[l.From].Kind == Host {
			l.Queue.SetCapacityBytes(bytes)
		}
	}
}

// SetSwitchEgressQueueCapacityBytes is SetHostEgressQueueCapacityBytes's
// counterpart for links whose `from` node is a Switch.
func (net *Network) SetSwitchEgressQueueCapacityBytes(bytes uint64) {
	net.switchQueueCapacityBytes = bytes
	for _, l := range net.links {
		if net.nodes[l.From].Kind == Switch {
			l.Queue.SetCapacityBytes(bytes)
		}
	}
}

// SetLinkECNThresholdBytes enables ECN marking on the link from -> to at
// the given byte threshold (0 disables marking). Panics if the edge does
// not exist.
func (net *Network) SetLinkECNThresholdBytes(from, to NodeId, thresholdBytes uint64) {
	l, ok := net.LinkBetween(from, to)
	if !ok {
		panic(fmt.Sprintf("fabric: no link %d -> %d to configure", from, to))
	}
	l.SetECNThresholdBytes(thresholdBytes)
}

// SetAllLinkECNThresholdBytes applies SetLinkECNThresholdBytes's threshold
// to every link currently in the topology.
func (net *Network) SetAllLinkECNThresholdBytes(thresholdBytes uint64) {
	for _, l := range net.links {
		l.SetECNThresholdBytes(thresholdBytes)
	}
}

// ---- Forwarding ----

// ForwardFrom resolves pkt's next hop from node `from` (preset if pkt
// still carries one, else FIB+ECMP), attempts ECN marking and enqueue on
// the resolved link, and kicks off transmission if the link was idle.
// Panics if the resolved edge does not exist or if routing finds no
// candidate next hop, per spec: both are programmer errors at this layer.
func (net *Network) ForwardFrom(s *sim.Simulator, from NodeId, pkt Packet) {
	var nextHop NodeId
	if nh, ok := pkt.NextHop(); ok {
		nextHop = nh
	} else {
		net.ensureFIB()
		cands := net.f.candidates(from, pkt.Dst)
		if len(cands) == 0 {
			panic(fmt.Sprintf("fabric: no route from %d to %d", from, pkt.Dst))
		}
		seed := uint64(pkt.FlowId)
		if net.ecmpMode == ECMPPacket {
			seed = uint64(pkt.FlowId) ^ uint64(pkt.Id)
		}
		nextHop = pickECMP(from, pkt.Dst, net.ecmpSalt, seed, cands)
	}

	link, ok := net.LinkBetween(from, nextHop)
	if !ok {
		panic(fmt.Sprintf("fabric: forward_from on nonexistent edge %d -> %d", from, nextHop))
	}

	if net.Viz != nil {
		net.Viz.Record(s.Now(), "NodeForward", viz.NodeForward{Node: uint32(from), NextHop: uint32(nextHop)},
			viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}

	if link.ecnEnabled && pkt.ECN == ECT && link.Queue.Bytes()+uint64(pkt.SizeBytes) > link.ECNThresholdBytes {
		pkt.ECN = CE
	}

	if !link.Queue.Enqueue(pkt) {
		net.recordDrop(s, link, pkt)
		return
	}
	if net.Viz != nil {
		net.Viz.Record(s.Now(), "Enqueue", viz.Enqueue{
			Link: uint32(link.Id), QueueLenAfter: link.Queue.Len(), QueueBytes: link.Queue.Bytes(),
		}, viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}
	if link.Idle(s.Now()) {
		net.transmitNextOnLink(s, link)
	}
}

func (net *Network) recordDrop(s *sim.Simulator, link *Link, pkt Packet) {
	link.DroppedPkts++
	link.DroppedBytes += uint64(pkt.SizeBytes)
	simmetrics.DroppedPackets.Inc()
	simmetrics.DroppedBytes.Add(float64(pkt.SizeBytes))
	class := "low"
	if pkt.isAckLike() {
		class = "high"
	}
	if net.Viz != nil {
		net.Viz.Record(s.Now(), "Drop", viz.Drop{Link: uint32(link.Id), QCap: link.Queue.CapacityBytes(), Class: class},
			viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}
	net.dropLog.Println("fabric: drop on link", link.Id, "cap", link.Queue.CapacityBytes())
}

// transmitNextOnLink dequeues the head-of-line packet (if any), begins its
// serialization, and schedules its LinkReady re-check and its eventual
// DeliverPacket.
func (net *Network) transmitNextOnLink(s *sim.Simulator, link *Link) {
	pkt, ok := link.Queue.Dequeue()
	if !ok {
		return
	}
	rtx.Must(zeroBandwidthErr(link), "fabric: cannot transmit")

	now := s.Now()
	txTime := txTimeNanos(pkt.SizeBytes, link.Bandwidth)
	link.busyUntil = now.Add(txTime)
	if !link.haveFirstTxStart {
		link.firstTxStart = now
		link.haveFirstTxStart = true
	}
	link.txTimeSum += txTime

	if net.Viz != nil {
		net.Viz.Record(now, "TxStart", viz.TxStart{
			Link: uint32(link.Id), DepartNanos: int64(now.Add(txTime)), ArriveNanos: int64(now.Add(txTime).Add(link.Latency)),
		}, viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}

	traveling := pkt
	traveling.Advance()

	s.Schedule(now.Add(txTime).Add(link.Latency), deliverPacketEvent{net: net, link: link, to: link.To, pkt: traveling})
	s.Schedule(now.Add(txTime), linkReadyEvent{net: net, link: link})
}

func zeroBandwidthErr(link *Link) error {
	if link.Bandwidth == 0 {
		return fmt.Errorf("link %d has zero bandwidth", link.Id)
	}
	return nil
}

// deliverPacket is the destination node's on_packet behavior: deliver if
// this node is pkt's destination, otherwise forward. arrivedVia is the
// link the packet just finished traversing: it is credited with the
// successful delivery regardless of whether nodeID terminates or
// forwards the packet, mirroring DroppedPkts/DroppedBytes being credited
// to the link a packet was rejected from.
func (net *Network) deliverPacket(s *sim.Simulator, arrivedVia *Link, nodeID NodeId, pkt Packet) {
	arrivedVia.DeliveredPkts++
	arrivedVia.DeliveredBytes += uint64(pkt.SizeBytes)
	if net.Viz != nil {
		net.Viz.Record(s.Now(), "ArriveNode", viz.ArriveNode{Node: uint32(nodeID)},
			viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}
	if nodeID == pkt.Dst {
		node := &net.nodes[nodeID]
		node.DeliveredPkts++
		node.DeliveredBytes += uint64(pkt.SizeBytes)
		simmetrics.DeliveredPackets.Inc()
		simmetrics.DeliveredBytes.Add(float64(pkt.SizeBytes))
		if net.Viz != nil {
			net.Viz.Record(s.Now(), "Delivered", viz.Delivered{Node: uint32(nodeID)},
				viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
		}
		if h, ok := net.handlers[pkt.Transport.Kind]; ok && pkt.Transport.Kind != TransportNone {
			h.OnDeliver(s, net, pkt)
		}
		return
	}
	if net.Viz != nil {
		net.Viz.Record(s.Now(), "NodeRx", viz.NodeRx{Node: uint32(nodeID)},
			viz.WithPacket(uint64(pkt.Id), uint64(pkt.FlowId), pkt.SizeBytes, packetVizKind(pkt)))
	}
	net.ForwardFrom(s, nodeID, pkt)
}

func packetVizKind(pkt Packet) viz.PacketKind {
	switch pkt.Transport.Kind {
	case TransportTCP:
		if pkt.Transport.HighPriority {
			return viz.KindTCPAck
		}
		return viz.KindTCPData
	case TransportDCTCP:
		if pkt.Transport.HighPriority {
			return viz.KindDCTCPAck
		}
		return viz.KindDCTCPData
	default:
		return viz.KindPlain
	}
}

// ---- events ----

type deliverPacketEvent struct {
	net  *Network
	link *Link
	to   NodeId
	pkt  Packet
}

func (e deliverPacketEvent) Dispatch(s *sim.Simulator, w sim.World) {
	e.net.deliverPacket(s, e.link, e.to, e.pkt)
}

type linkReadyEvent struct {
	net  *Network
	link *Link
}

func (e linkReadyEvent) Dispatch(s *sim.Simulator, w sim.World) {
	if e.link.Idle(s.Now()) {
		e.net.transmitNextOnLink(s, e.link)
	}
}
