package fabric

// ECN is the explicit-congestion-notification code point a packet carries.
type ECN uint8

const (
	// NotECT marks a packet as not ECN-capable; links never mark it CE.
	NotECT ECN = iota
	// ECT marks a packet as ECN-capable; a congested link may mark it CE.
	ECT
	// CE marks a packet as having experienced congestion.
	CE
)

// RoutingKind discriminates how a packet's next hop is chosen.
type RoutingKind uint8

const (
	// RoutingPreset packets carry a fully precomputed node path.
	RoutingPreset RoutingKind = iota
	// RoutingDynamic packets have no presets; the FIB picks every hop.
	RoutingDynamic
	// RoutingMixed packets carry a path prefix, then fall back to Dynamic.
	RoutingMixed
)

// Routing carries a packet's routing state. For RoutingPreset and
// RoutingMixed, Path holds the node sequence and Cursor is the index of
// the node the packet is currently located at (i.e. the last node it was
// delivered to or created at).
type Routing struct {
	Kind   RoutingKind
	Path   []NodeId
	Cursor int
}

// PresetRouting builds a Preset routing state from an ordered node path,
// including both endpoints. The cursor starts at the path's first node.
func PresetRouting(path []NodeId) Routing {
	return Routing{Kind: RoutingPreset, Path: path, Cursor: 0}
}

// DynamicRouting builds a Dynamic routing state: every hop is resolved by
// the FIB.
func DynamicRouting() Routing {
	return Routing{Kind: RoutingDynamic}
}

// MixedRouting builds a Mixed routing state: hops are taken from prefix
// (which must start at the packet's source) until exhausted, then resolved
// by the FIB for the rest of the journey.
func MixedRouting(prefix []NodeId) Routing {
	return Routing{Kind: RoutingMixed, Path: prefix, Cursor: 0}
}

// presetNext returns the next hop dictated by a preset path, if any
// remains. ok is false once the cursor has reached the last path entry
// (Preset) or run past the prefix (Mixed).
func (r *Routing) presetNext() (next NodeId, ok bool) {
	switch r.Kind {
	case RoutingPreset:
		if r.Cursor+1 < len(r.Path) {
			return r.Path[r.Cursor+1], true
		}
		return 0, false
	case RoutingMixed:
		if r.Cursor+1 < len(r.Path) {
			return r.Path[r.Cursor+1], true
		}
		return 0, false
	default:
		return 0, false
	}
}

// advance moves the routing cursor forward by one hop, if this routing
// state is tracking a preset prefix. It is a no-op for Dynamic routing and
// for Preset/Mixed routing whose prefix is already exhausted.
func (r *Routing) advance() {
	if r.Kind == RoutingPreset || r.Kind == RoutingMixed {
		if r.Cursor+1 < len(r.Path) {
			r.Cursor++
		}
	}
}

// TransportKind discriminates the higher-layer protocol carried by a
// packet, used by the Network to dispatch delivery callbacks.
type TransportKind uint8

const (
	// TransportNone marks a packet with no transport-layer payload.
	TransportNone TransportKind = iota
	// TransportTCP marks a packet carrying a TCP segment.
	TransportTCP
	// TransportDCTCP marks a packet carrying a DCTCP segment.
	TransportDCTCP
)

// Transport tags a packet with the higher layer that owns it. ConnId
// identifies the owning connection within that layer's stack. Segment is
// opaque to the fabric; it is the tcp.Segment or dctcp.Segment the owning
// package attached, and is type-asserted back by that package's delivery
// handler.
type Transport struct {
	Kind    TransportKind
	ConnId  uint64
	Segment any
	// HighPriority marks packets that belong in a link's high-priority
	// egress class (TCP/DCTCP acknowledgements and handshake segments).
	// The fabric consults this directly rather than inspecting Segment,
	// so it stays agnostic of tcp/dctcp segment types.
	HighPriority bool
}

const maxHopsTaken = ^uint32(0)

// Packet is the fabric's unit of forwarding. Packets are always passed by
// value or by single-owner pointer between a send buffer, a link's
// egress queue, and a destination node -- never shared.
type Packet struct {
	Id        PacketId
	FlowId    FlowId
	SizeBytes uint32
	Src, Dst  NodeId
	ECN       ECN
	Routing   Routing
	Transport Transport
	HopsTaken uint32
}

// NextHop returns the packet's preset next hop, if its routing state still
// has one.
func (p *Packet) NextHop() (NodeId, bool) {
	return p.Routing.presetNext()
}

// Advance moves the packet to its next preset hop (a no-op for exhausted
// or Dynamic routing) and increments HopsTaken, saturating rather than
// wrapping.
func (p *Packet) Advance() {
	p.Routing.advance()
	if p.HopsTaken != maxHopsTaken {
		p.HopsTaken++
	}
}

// isAckLike reports whether a segment kind belongs in a link's high
// priority egress class, per the Transport.HighPriority tag set at packet
// construction time by tcp/dctcp.
func (p *Packet) isAckLike() bool {
	return p.Transport.HighPriority
}
