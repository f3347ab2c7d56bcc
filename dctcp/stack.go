package dctcp

import (
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
	"github.com/m-lab/htsim/viz"
)

// Stack owns every Conn created against one Network and is the
// fabric.DeliveryHandler registered for fabric.TransportDCTCP.
type Stack struct {
	net    *fabric.Network
	conns  map[ConnId]*Conn
	nextId ConnId
}

// NewStack builds a Stack and registers it with net as the TransportDCTCP
// delivery handler.
func NewStack(net *fabric.Network) *Stack {
	st := &Stack{net: net, conns: make(map[ConnId]*Conn)}
	net.RegisterTransport(fabric.TransportDCTCP, st)
	return st
}

// Get returns the connection with the given id, or nil if none exists.
func (st *Stack) Get(id ConnId) *Conn { return st.conns[id] }

// New creates a Preset-routed connection.
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
// hop from the live FIB at forward time.
func (st *Stack) NewDynamic(flow fabric.FlowId, src, dst fabric.NodeId, totalBytes uint64, cfg Config) *Conn {
	c := newConn(st.nextId, flow, src, dst, totalBytes, cfg, st.net, st)
	st.nextId++
	c.preset = false
	st.conns[c.Id] = c
	return c
}

// StartConn starts a connection's sender loop at the simulator's current
// time. DCTCP has no handshake, so this goes straight to Data segments.
func (st *Stack) StartConn(s *sim.Simulator, c *Conn) {
	c.start(s)
}

// SetDoneCallback installs a callback fired exactly once, the moment c's
// cumulative ACK first covers TotalBytes.
func (c *Conn) SetDoneCallback(fn func(now sim.SimTime, s *sim.Simulator)) {
	c.doneCallback = fn
}

// OnDeliver implements fabric.DeliveryHandler.
func (st *Stack) OnDeliver(s *sim.Simulator, net *fabric.Network, pkt fabric.Packet) {
	c, ok := st.conns[ConnId(pkt.Transport.ConnId)]
	if !ok {
		return
	}
	seg, ok := pkt.Transport.Segment.(Segment)
	rtx.Must(segmentAssertErr(ok), "dctcp: delivered packet carried non-dctcp segment")

	switch seg.Kind {
	case Data:
		c.onDataArrive(s, seg, pkt.ECN == fabric.CE)
	case Ack:
		c.onAckArrive(s, seg)
	}
}

func segmentAssertErr(ok bool) error {
	if ok {
		return nil
	}
	return errNotDCTCPSegment
}

var errNotDCTCPSegment = dctcpSegmentError("segment type assertion failed")

type dctcpSegmentError string

func (e dctcpSegmentError) Error() string { return string(e) }

// ---- receiver side ----

func (c *Conn) onDataArrive(s *sim.Simulator, seg Segment, ce bool) {
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
	c.sendSegment(s, Segment{Kind: Ack, Ack: c.rcvNxt, EcnEcho: ce}, c.cfg.AckBytes)
}

// ---- sender side ----

// onAckArrive folds in the ECN-echo window accounting from spec.md §4.4
// on top of the same cwnd growth / fast-recovery machinery tcp.Conn uses.
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

	c.ackedInWindow += newlyAcked
	if seg.EcnEcho {
		c.markedInWindow += newlyAcked
	}
	if c.lastAcked >= c.windowEnd {
		c.closeAlphaWindow(s)
	}

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
	c.recordSample(s.Now())

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

// closeAlphaWindow folds the just-completed window's mark fraction into
// alpha and, if any CE was observed, applies the multiplicative decrease,
// per spec.md §4.4.
func (c *Conn) closeAlphaWindow(s *sim.Simulator) {
	var f float64
	if c.ackedInWindow > 0 {
		f = float64(c.markedInWindow) / float64(c.ackedInWindow)
	}
	c.alpha = (1-c.cfg.AlphaGain)*c.alpha + c.cfg.AlphaGain*f
	if c.alpha < 0 {
		c.alpha = 0
	}
	if c.alpha > 1 {
		c.alpha = 1
	}
	if c.markedInWindow > 0 {
		decreased := uint64(float64(c.cwnd) * (1 - c.alpha/2))
		c.cwnd = max(uint64(c.cfg.MSS), decreased)
		if c.net.Viz != nil {
			c.net.Viz.Record(s.Now(), "DctcpCwnd", viz.DctcpCwnd{Conn: uint64(c.Id), Cwnd: c.cwnd, Alpha: c.alpha, Marked: true}, viz.WithFlow(uint64(c.FlowId)))
		}
	}
	c.ackedInWindow = 0
	c.markedInWindow = 0
	c.windowEnd = c.lastAcked + c.cwnd
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
		// Fast-retransmit halving is a conventional loss response,
		// independent of the alpha-driven window decrease.
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
	simmetrics.ActiveDCTCPConns.Dec()
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

// onRTOFire matches tcp.Conn's RTO handling exactly, per spec.md §4.4's
// "RTO semantics are the same as TCP."
func (c *Conn) onRTOFire(s *sim.Simulator) {
	if len(c.inflight) == 0 {
		c.rtoArmed = false
		return
	}

	c.rto.Backoff()
	if c.net.Viz != nil {
		c.net.Viz.Record(s.Now(), "TcpRto", viz.TcpRto{Conn: uint64(c.Id), RtoAfter: c.rto.RTO}, viz.WithFlow(uint64(c.FlowId)))
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
