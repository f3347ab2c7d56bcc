package dctcp

import (
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
	"github.com/m-lab/htsim/transport"
	"github.com/m-lab/htsim/viz"
)

// ConnId identifies a DctcpConn within a Stack's connection map.
type ConnId uint64

// CwndSample is one entry of a connection's optional cwnd sample log.
type CwndSample struct {
	At         sim.SimTime
	Cwnd       uint64
	Ssthresh   uint64
	Alpha      float64
	AckedBytes uint64
}

// Conn is a single DCTCP connection's full state. Structurally this
// mirrors tcp.Conn -- sender (cwnd/ssthresh/inflight/fast-recovery/RTO)
// and receiver (cumulative ACK boundary) -- plus the alpha-window state
// spec.md §4.4 adds: window_end, acked_in_window, marked_in_window.
type Conn struct {
	Id         ConnId
	Src, Dst   fabric.NodeId
	FlowId     fabric.FlowId
	TotalBytes uint64

	preset  bool
	fwdPath []fabric.NodeId
	revPath []fabric.NodeId

	cfg Config

	// sender
	nextSeq, lastAcked uint64
	cwnd, ssthresh     uint64
	dupAcks            int
	inflight           transport.Inflight
	inRecovery         bool
	recoverSeq         uint64
	rto                *transport.RTOEstimator
	rtoDeadline        sim.SimTime
	rtoToken           uint64
	rtoArmed           bool

	// alpha-window state
	alpha          float64
	windowEnd      uint64
	ackedInWindow  uint64
	markedInWindow uint64

	// receiver
	rcvNxt     uint64
	outOfOrder map[uint64]uint32

	startAt sim.SimTime
	doneAt  sim.SimTime
	isDone  bool
	doneCallback func(now sim.SimTime, s *sim.Simulator)

	samples []CwndSample

	net   *fabric.Network
	stack *Stack
}

func newConn(id ConnId, flow fabric.FlowId, src, dst fabric.NodeId, totalBytes uint64, cfg Config, net *fabric.Network, stack *Stack) *Conn {
	return &Conn{
		Id: id, Src: src, Dst: dst, FlowId: flow, TotalBytes: totalBytes,
		cfg:        cfg,
		cwnd:       cfg.InitCwndBytes,
		ssthresh:   cfg.InitSsthreshBytes,
		windowEnd:  cfg.InitCwndBytes,
		inflight:   transport.Inflight{},
		outOfOrder: map[uint64]uint32{},
		rto:        transport.NewRTOEstimator(cfg.InitRTO, cfg.MinRTO, cfg.MaxRTO),
		net:        net,
		stack:      stack,
	}
}

// Done reports whether the connection's cumulative ACK has covered
// TotalBytes.
func (c *Conn) Done() bool { return c.isDone }

// StartAt returns the virtual time StartConn was called.
func (c *Conn) StartAt() sim.SimTime { return c.startAt }

// DoneAt returns the virtual time the connection completed.
func (c *Conn) DoneAt() sim.SimTime { return c.doneAt }

// BytesAcked returns the cumulative-ACK boundary.
func (c *Conn) BytesAcked() uint64 { return c.lastAcked }

// Cwnd returns the current congestion window in bytes.
func (c *Conn) Cwnd() uint64 { return c.cwnd }

// Alpha returns the current EWMA mark-fraction estimate.
func (c *Conn) Alpha() float64 { return c.alpha }

// Samples returns the recorded cwnd sample log (nil unless
// Config.RecordSamples was set).
func (c *Conn) Samples() []CwndSample { return c.samples }

func (c *Conn) cwndEffective() uint64 {
	if c.cfg.AppLimitPPS <= 0 || !c.rto.HasSample() {
		return c.cwnd
	}
	limit := c.cfg.AppLimitPPS * float64(c.rto.SRTT) * float64(c.cfg.MSS) / 1e9
	if limit < 0 {
		limit = 0
	}
	return min(uint64(limit), c.cwnd)
}

func (c *Conn) start(s *sim.Simulator) {
	c.startAt = s.Now()
	simmetrics.ActiveDCTCPConns.Inc()
	c.sendDataIfPossible(s)
}

func (c *Conn) sendDataIfPossible(s *sim.Simulator) {
	for {
		inflightBytes := uint64(c.inflight.TotalBytes())
		eff := c.cwndEffective()
		if eff <= inflightBytes || c.nextSeq >= c.TotalBytes {
			break
		}
		segLen := uint64(c.cfg.MSS)
		segLen = min(segLen, eff-inflightBytes)
		segLen = min(segLen, c.TotalBytes-c.nextSeq)
		if segLen == 0 {
			break
		}
		seq := c.nextSeq
		c.inflight[seq] = transport.Segment{Len: uint32(segLen), SentAt: s.Now(), Retransmitted: false}
		c.nextSeq += segLen
		c.sendSegment(s, Segment{Kind: Data, Seq: seq, Len: uint32(segLen)}, uint32(segLen))
	}
	if len(c.inflight) > 0 && !c.rtoArmed {
		c.armRTO(s)
	}
}

func (c *Conn) sendSegment(s *sim.Simulator, seg Segment, size uint32) {
	reverse := seg.Kind == Ack
	from, to := c.Src, c.Dst
	if reverse {
		from, to = c.Dst, c.Src
	}

	var pkt fabric.Packet
	if c.preset {
		if reverse {
			pkt = c.net.MakePacket(c.FlowId, size, c.revPath)
		} else {
			pkt = c.net.MakePacket(c.FlowId, size, c.fwdPath)
		}
	} else {
		pkt = c.net.MakePacketDynamic(c.FlowId, size, from, to)
	}
	if seg.Kind == Data {
		// All DCTCP data packets are emitted ECN-capable; the fabric
		// marks CE if the egress link is congested.
		pkt.ECN = fabric.ECT
	}
	pkt.Transport = fabric.Transport{
		Kind: fabric.TransportDCTCP, ConnId: uint64(c.Id), Segment: seg,
		HighPriority: seg.Kind.highPriority(),
	}

	if c.net.Viz != nil {
		switch seg.Kind {
		case Data:
			c.net.Viz.Record(s.Now(), "TcpSendData", viz.TcpSendData{Conn: uint64(c.Id), Seq: seg.Seq, Len: seg.Len}, viz.WithFlow(uint64(c.FlowId)))
		case Ack:
			c.net.Viz.Record(s.Now(), "TcpSendAck", viz.TcpSendAck{Conn: uint64(c.Id), Ack: seg.Ack}, viz.WithFlow(uint64(c.FlowId)))
		}
	}

	c.net.ForwardFrom(s, from, pkt)
}

func (c *Conn) recordSample(now sim.SimTime) {
	if !c.cfg.RecordSamples {
		return
	}
	c.samples = append(c.samples, CwndSample{At: now, Cwnd: c.cwnd, Ssthresh: c.ssthresh, Alpha: c.alpha, AckedBytes: c.lastAcked})
}
