// Package viz records a stream of structured visualization events for
// offline replay. The core never serializes or interprets these events --
// external collaborators format them (JSON, binary, ...) for their target.
package viz

import "github.com/m-lab/htsim/sim"

// PacketKind labels the kind of packet a viz event describes, for
// consumers that want to color-code a replay without decoding Transport.
type PacketKind uint8

const (
	KindPlain PacketKind = iota
	KindTCPData
	KindTCPAck
	KindTCPHandshake
	KindDCTCPData
	KindDCTCPAck
)

// Header is embedded in every Event's concrete payload.
type Header struct {
	TNanos    int64
	PktId     uint64
	HasPktId  bool
	FlowId    uint64
	HasFlowId bool
	PktBytes  uint32
	HasBytes  bool
	PktKind   PacketKind
}

// Event is a single recorded visualization event. Kind names the payload's
// concrete shape so consumers can switch on it without a type assertion
// per payload case, but Payload still carries the full concrete value.
type Event struct {
	Header
	Kind    string
	Payload any
}

// Meta describes the topology at t=0, once viz is enabled and the caller
// has finished building the topology. Node/link lists are snapshots, not
// live references.
type Meta struct {
	Nodes []NodeMeta
	Links []LinkMeta
}

type NodeMeta struct {
	Id   uint32
	Name string
	Kind string
}

type LinkMeta struct {
	Id            uint32
	From, To      uint32
	Latency       sim.SimTime
	BandwidthBps  uint64
	CapacityBytes uint64
}

// NodeRx records a node receiving a packet addressed to some downstream
// hop (i.e. it will forward, not deliver).
type NodeRx struct {
	Node uint32
}

// NodeForward records a node forwarding a packet on to the next hop.
type NodeForward struct {
	Node, NextHop uint32
}

// Enqueue records a packet entering a link's egress queue, with the
// queue's occupancy immediately after the enqueue.
type Enqueue struct {
	Link          uint32
	QueueLenAfter int
	QueueBytes    uint64
}

// TxStart records a link beginning serialization of a packet.
type TxStart struct {
	Link         uint32
	DepartNanos  int64
	ArriveNanos  int64
}

// ArriveNode records a packet arriving at a node after propagation delay.
type ArriveNode struct {
	Node uint32
}

// Delivered records final delivery of a packet to its destination.
type Delivered struct {
	Node uint32
}

// Drop records a packet destroyed for exceeding queue capacity.
type Drop struct {
	Link  uint32
	QCap  uint64
	Class string // "high" or "low"
}

// TcpSendData records a TCP sender emitting a data segment.
type TcpSendData struct {
	Conn uint64
	Seq  uint64
	Len  uint32
}

// TcpSendAck records a TCP receiver emitting a cumulative ACK.
type TcpSendAck struct {
	Conn uint64
	Ack  uint64
}

// TcpRecvAck records a TCP sender processing an arriving ACK.
type TcpRecvAck struct {
	Conn    uint64
	Ack     uint64
	CwndAfter uint64
}

// TcpRto records an RTO timer firing for a connection.
type TcpRto struct {
	Conn        uint64
	RtoAfter    sim.SimTime
	HandshakePhase bool
}

// DctcpCwnd records a DCTCP cwnd-affecting transition.
type DctcpCwnd struct {
	Conn   uint64
	Cwnd   uint64
	Alpha  float64
	Marked bool
}

// GpuBusy is defined and emitted only by external collaborators (workload
// runners simulating co-located GPU compute); the core never constructs
// one, but it is part of the documented discriminated payload set so
// replay tooling has one vocabulary across core and caller events.
type GpuBusy struct {
	Node      uint32
	BusyNanos int64
}

// Recorder is an in-memory append-only log of Events. A nil *Recorder is
// valid and Record on it is a no-op, so fabric/tcp/dctcp/collective can
// hold an optional *Recorder field without a presence check at every call
// site.
type Recorder struct {
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Record appends an event at virtual time t. kind is a short discriminator
// string ("Enqueue", "TcpRto", ...) matching the payload's Go type name.
func (r *Recorder) Record(t sim.SimTime, kind string, payload any, opts ...func(*Header)) {
	if r == nil {
		return
	}
	h := Header{TNanos: int64(t)}
	for _, opt := range opts {
		opt(&h)
	}
	r.events = append(r.events, Event{Header: h, Kind: kind, Payload: payload})
}

// WithPacket sets the PktId/FlowId/PktBytes/PktKind fields on a recorded
// event's header.
func WithPacket(id uint64, flow uint64, bytes uint32, kind PacketKind) func(*Header) {
	return func(h *Header) {
		h.PktId, h.HasPktId = id, true
		h.FlowId, h.HasFlowId = flow, true
		h.PktBytes, h.HasBytes = bytes, true
		h.PktKind = kind
	}
}

// WithFlow sets only the FlowId field, for events (e.g. collective
// bookkeeping) with no single packet to attribute.
func WithFlow(flow uint64) func(*Header) {
	return func(h *Header) { h.FlowId, h.HasFlowId = flow, true }
}

// Events returns the full recorded log, in virtual-time order (the order
// events were appended, since Record is always called from dispatch code
// running in time order).
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	return r.events
}

// Len reports the number of recorded events (0 for a nil Recorder).
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.events)
}
