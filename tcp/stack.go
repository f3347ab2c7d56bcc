package tcp

import (
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
	"github.com/m-lab/htsim/viz"
)

// Stack owns every Conn created against one Network and is the
// fabric.DeliveryHandler registered for fabric.TransportTCP. Exactly one
// Stack should be registered per Network; nothing prevents a second, but
// only the most recently registered handler receives deliveries.
type Stack struct {
	net     *fabric.Network
	conns   map[ConnId]*Conn
	nextId  ConnId
}

// NewStack builds a Stack and registers it with net as the TransportTCP
// delivery handler.
func NewStack(net *fabric.Network) *Stack {
	st := &Stack{net: net, conns: make(map[ConnId]*Conn)}
	net.RegisterTransport(fabric.TransportTCP, st)
	return st
}

// Get returns the connection with the given id, or nil if none exists.
func (st *Stack) Get(id ConnId) *Conn { return st.conns[id] }

// New creates a Preset-routed connection: the ECMP path from src to dst
// (and its reverse, for ACK traffic) is computed once via
// Network.RouteECMPPath and fixed for the connection's lifetime.
func (st *Stack) New(flow fabric.FlowId, src, dst fabric.NodeId, totalBytes uint64, cfg Config) *Conn {
	c := newConn(st.nextId, flow, src, dst, totalBytes, cfg, st.net, st)
	st.nextId++
	c.preset = true
	c.fwdPath = st.net.RouteECMPPath(src, dst, flow)
	c.revPath = st.net.RouteECMPPath(dst, src, flow)
	st.conns[c.Id] = c
	return c
}

// NewDynamic creates a connection whose every packet resolves its next
// hop from the live FIB at forward time, rather than following a
// precomputed path.
func (st *Stack) NewDynamic(flow fabric.FlowId, src, dst fabric.NodeId, totalBytes uint64, cfg Config) *Conn {
	c := newConn(st.nextId, flow, src, dst, totalBytes, cfg, st.net, st)
	st.nextId++
	c.preset = false
	st.conns[c.Id] = c
	return c
}

// StartConn sends a connection's first segment (a SYN, or its first
// Data burst) at the simulator's current time, within this call.
func (st *Stack) StartConn(s *sim.Simulator, c *Conn) {
	c.start(s)
}

// SetDoneCallback installs a callback fired exactly once, the moment c's
// cumulative ACK first covers TotalBytes.
func (c *Conn) SetDoneCallback(fn func(now sim.SimTime, s *sim.Simulator)) {
	c.doneCallback = fn
}

// OnDeliver implements fabric.DeliveryHandler: it looks up the addressed
// connection and dispatches on segment kind.
func (st *Stack) OnDeliver(s *sim.Simulator, net *fabric.Network, pkt fabric.Packet) {
	c, ok := st.conns[ConnId(pkt.Transport.ConnId)]
	if !ok {
		return
	}
	seg, ok := pkt.Transport.Segment.(Segment)
	rtx.Must(segmentAssertErr(ok), "tcp: delivered packet carried non-tcp segment")

	switch seg.Kind {
	case Syn:
		c.onSynArrive(s)
	case SynAck:
		c.onSynAckArrive(s)
	case HandshakeAck:
		c.onHandshakeAckArrive(s)
	case Data:
		c.onDataArrive(s, seg)
	case Ack:
		c.onAckArrive(s, seg)
	}
}

func segmentAssertErr(ok bool) error {
	if ok {
		return nil
	}
	return errNotTCPSegment
}

var errNotTCPSegment = fabricSegmentError("segment type assertion failed")

type fabricSegmentError string

func (e fabricSegmentError) Error() string { return string(e) }

// ---- receiver side ----

func (c *Conn) onSynArrive(s *sim.Simulator) {
	c.receiverState = SynReceived
	c.sendSegment(s, Segment{Kind: SynAck}, c.cfg.AckBytes)
}

func (c *Conn) onSynAckArrive(s *sim.Simulator) {
	if c.senderState != SynSent {
		return
	}
	c.stopRTO()
	c.senderState = SenderEstablished
	c.sendSegment(s, Segment{Kind: HandshakeAck}, c.cfg.AckBytes)
	c.sendDataIfPossible(s)
}

func (c *Conn) onHandshakeAckArrive(s *sim.Simulator) {
	c.receiverState = ReceiverEstablished
}

// onDataArrive is the receiver's recvData: it advances rcvNxt
// cumulatively when seq matches, tracks strictly-later segments in
// outOfOrder, and always answers with a cumulative ACK.
func (c *Conn) onDataArrive(s *sim.Simulator, seg Segment) {
	if c.receiverState == Idle {
		c.receiverState = ReceiverEstablished
	}
	end := seg.Seq + uint64(seg.Len)
	switch {
	case seg.Seq == c.rcvNxt:
		c.rcvNxt = end
		for {
			l, ok := c.outOfOrder[c.rcvNxt]
			if !ok {
				break
			}
			delete(c.outOfOrder, c.rcvNxt)
			c.rcvNxt += uint64(l)
		}
	case seg.Seq > c.rcvNxt:
		c.outOfOrder[seg.Seq] = seg.Len
	}
	c.sendSegment(s, Segment{Kind: Ack, Ack: c.rcvNxt}, c.cfg.AckBytes)
}

// ---- sender side: ACK processing ----

// onAckArrive implements spec.md §4.3's Reno/NewReno ACK handling: new
// cumulative ACKs sample RTT (Karn's rule), grow cwnd (slow start or
// congestion avoidance, or exit fast recovery on NewReno's full-ACK
// test), and re-arm the RTO; duplicate ACKs count toward fast retransmit,
// and a fourth (3 dups) retransmits the earliest unacked segment and
// enters fast recovery, while further dups inflate cwnd (NewReno's
// partial-ACK deflation is handled on the next new ACK).
func (c *Conn) onAckArrive(s *sim.Simulator, seg Segment) {
	if seg.Ack <= c.lastAcked {
		if seg.Ack == c.lastAcked {
			c.onDupAck(s)
		}
		return
	}

	newlyAcked := seg.Ack - c.lastAcked
	wasRecovery := c.inRecovery
	exitingRecovery := wasRecovery && seg.Ack >= c.recoverSeq

	c.sampleRTTFor(s, seg.Ack)
	c.inflight.RemoveCoveredBy(seg.Ack)
	c.lastAcked = seg.Ack
	c.dupAcks = 0

	if wasRecovery {
		if exitingRecovery {
			c.inRecovery = false
			flight := c.inflight.TotalBytes()
			c.cwnd = min(c.ssthresh, uint64(flight)+uint64(c.cfg.MSS))
		} else {
			// NewReno partial ACK: deflate cwnd by the newly delivered
			// data, inflate by one MSS, retransmit the next unacked.
			c.cwnd -= min(c.cwnd, newlyAcked)
			c.cwnd += uint64(c.cfg.MSS)
			simmetrics.RetransmitCount.WithLabelValues("partial_ack").Inc()
			c.retransmitEarliest(s)
		}
	} else {
		if c.cwnd < c.ssthresh {
			c.cwnd += newlyAcked
		} else {
			c.cwnd += max(uint64(1), uint64(c.cfg.MSS)*uint64(c.cfg.MSS)/c.cwnd)
		}
	}
	simmetrics.CwndBytes.Observe(float64(c.cwnd))
	if c.net.Viz != nil {
		c.net.Viz.Record(s.Now(), "TcpRecvAck", viz.TcpRecvAck{Conn: uint64(c.Id), Ack: seg.Ack, CwndAfter: c.cwnd}, viz.WithFlow(uint64(c.FlowId)))
	}

	c.stopRTO()
	if c.lastAcked >= c.TotalBytes {
		c.finish(s)
		return
	}
	if len(c.inflight) > 0 {
		c.armRTO(s)
	}
	c.sendDataIfPossible(s)
}

func (c *Conn) onDupAck(s *sim.Simulator) {
	if c.lastAcked >= c.TotalBytes {
		return
	}
	c.dupAcks++
	if c.inRecovery {
		c.cwnd += uint64(c.cfg.MSS)
		c.sendDataIfPossible(s)
		return
	}
	if c.dupAcks == 3 && c.lastAcked >= c.recoverSeq {
		c.ssthresh = max(uint64(2*c.cfg.MSS), c.cwnd/2)
		c.cwnd = c.ssthresh + 3*uint64(c.cfg.MSS)
		c.inRecovery = true
		c.recoverSeq = c.nextSeq
		simmetrics.RetransmitCount.WithLabelValues("fast_retransmit").Inc()
		c.retransmitEarliest(s)
	}
}

func (c *Conn) retransmitEarliest(s *sim.Simulator) {
	seq, seg, ok := c.inflight.EarliestUnacked()
	if !ok {
		return
	}
	seg.SentAt = s.Now()
	seg.Retransmitted = true
	c.inflight[seq] = seg
	c.sendSegment(s, Segment{Kind: Data, Seq: seq, Len: seg.Len}, seg.Len)
}

func (c *Conn) sampleRTTFor(s *sim.Simulator, ack uint64) {
	for seq, seg := range c.inflight {
		if seq+uint64(seg.Len) <= ack && !seg.Retransmitted {
			c.rto.Sample(s.Now() - seg.SentAt)
			return
		}
	}
}

func (c *Conn) finish(s *sim.Simulator) {
	if c.isDone {
		return
	}
	c.isDone = true
	c.doneAt = s.Now()
	simmetrics.ActiveTCPConns.Dec()
	simmetrics.FlowCompletionNanos.Observe(float64(c.doneAt - c.startAt))
	if c.doneCallback != nil {
		c.doneCallback(s.Now(), s)
	}
}

// ---- RTO ----

type rtoEvent struct {
	conn  *Conn
	token uint64
}

func (e rtoEvent) Dispatch(s *sim.Simulator, w sim.World) {
	if !e.conn.rtoArmed || e.conn.rtoToken != e.token {
		return
	}
	e.conn.onRTOFire(s)
}

func (c *Conn) armRTO(s *sim.Simulator) {
	c.rtoToken++
	c.rtoArmed = true
	c.rtoDeadline = s.Now().Add(c.rto.RTO)
	s.Schedule(c.rtoDeadline, rtoEvent{conn: c, token: c.rtoToken})
}

func (c *Conn) stopRTO() {
	c.rtoArmed = false
}

// onRTOFire handles a fired retransmission timer: in the handshake phase
// it resends the SYN; once established, with nothing inflight it is a
// silently-dropped stale timer, and otherwise it backs off RTO, collapses
// to slow start, and retransmits the earliest unacked segment.
func (c *Conn) onRTOFire(s *sim.Simulator) {
	handshakePhase := c.senderState == SynSent
	if !handshakePhase && len(c.inflight) == 0 {
		c.rtoArmed = false
		return
	}

	c.rto.Backoff()
	if c.net.Viz != nil {
		c.net.Viz.Record(s.Now(), "TcpRto", viz.TcpRto{Conn: uint64(c.Id), RtoAfter: c.rto.RTO, HandshakePhase: handshakePhase}, viz.WithFlow(uint64(c.FlowId)))
	}

	if handshakePhase {
		c.armRTO(s)
		c.sendSegment(s, Segment{Kind: Syn}, c.cfg.AckBytes)
		return
	}

	c.ssthresh = max(uint64(2*c.cfg.MSS), c.cwnd/2)
	c.cwnd = uint64(c.cfg.MSS)
	c.inRecovery = false
	c.recoverSeq = c.nextSeq
	c.dupAcks = 0
	c.armRTO(s)
	simmetrics.RetransmitCount.WithLabelValues("rto").Inc()
	c.retransmitEarliest(s)
}
