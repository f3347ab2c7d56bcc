package tcp

import (
	"github.com/m-lab/htsim/fabric"
	"github.com/m-lab/htsim/sim"
	"github.com/m-lab/htsim/simmetrics"
	"github.com/m-lab/htsim/transport"
	"github.com/m-lab/htsim/viz"
)

// ConnId identifies a TcpConn within a Stack's connection map.
type ConnId uint64

// SenderState is the handshake state of a connection's sending side.
type SenderState uint8

const (
	SynSent SenderState = iota
	SenderEstablished
)

// ReceiverState is the handshake state of a connection's receiving side.
type ReceiverState uint8

const (
	Idle ReceiverState = iota
	SynReceived
	ReceiverEstablished
)

// Conn is a single TCP connection's full state: sender (cwnd/ssthresh,
// inflight map, fast-recovery bookkeeping, RTO) and receiver (cumulative
// ACK boundary, out-of-order set) both live here, matching spec.md §3's
// TcpConn, which models a connection object as the join of both halves of
// the byte-stream rather than as two peered endpoints.
type Conn struct {
	Id     ConnId
	Src, Dst fabric.NodeId
	FlowId fabric.FlowId
	TotalBytes uint64

	preset  bool
	fwdPath []fabric.NodeId // Src .. Dst, used for Syn/HandshakeAck/Data
	revPath []fabric.NodeId // Dst .. Src, used for SynAck/Ack

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
	senderState        SenderState

	// receiver
	rcvNxt     uint64
	outOfOrder map[uint64]uint32
	receiverState ReceiverState

	// stats
	startAt sim.SimTime
	doneAt  sim.SimTime
	isDone  bool
	doneCallback func(now sim.SimTime, s *sim.Simulator)

	net   *fabric.Network
	stack *Stack
}

func newConn(id ConnId, flow fabric.FlowId, src, dst fabric.NodeId, totalBytes uint64, cfg Config, net *fabric.Network, stack *Stack) *Conn {
	return &Conn{
		Id: id, Src: src, Dst: dst, FlowId: flow, TotalBytes: totalBytes,
		cfg:        cfg,
		cwnd:       cfg.InitCwndBytes,
		ssthresh:   cfg.InitSsthreshBytes,
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

// DoneAt returns the virtual time the connection completed (zero if not
// yet done).
func (c *Conn) DoneAt() sim.SimTime { return c.doneAt }

// BytesAcked returns the cumulative-ACK boundary (last_acked).
func (c *Conn) BytesAcked() uint64 { return c.lastAcked }

// Cwnd returns the current congestion window in bytes.
func (c *Conn) Cwnd() uint64 { return c.cwnd }

// Ssthresh returns the current slow-start threshold in bytes.
func (c *Conn) Ssthresh() uint64 { return c.ssthresh }

// NextSeq returns the next sequence number the sender will use.
func (c *Conn) NextSeq() uint64 { return c.nextSeq }

// InflightLen returns the number of unacknowledged segments outstanding.
func (c *Conn) InflightLen() int { return len(c.inflight) }

// InRecovery reports whether the connection is in NewReno fast recovery.
func (c *Conn) InRecovery() bool { return c.inRecovery }

// RTO returns the connection's current retransmission timeout.
func (c *Conn) RTO() sim.SimTime { return c.rto.RTO }

func (c *Conn) cwndEffective() uint64 {
	if c.cfg.AppLimitPPS <= 0 || !c.rto.HasSample() {
		return c.cwnd
	}
	limit := c.cfg.AppLimitPPS * float64(c.rto.SRTT) * float64(c.cfg.MSS) / 1e9
	if limit < 0 {
		limit = 0
	}
	l := uint64(limit)
	return min(l, c.cwnd)
}

// start begins the connection: a SYN if handshaking is enabled, else an
// immediate Established sender loop.
func (c *Conn) start(s *sim.Simulator) {
	c.startAt = s.Now()
	simmetrics.ActiveTCPConns.Inc()
	if c.cfg.HandshakeEnabled {
		c.senderState = SynSent
		c.sendSegment(s, Segment{Kind: Syn}, c.cfg.AckBytes)
		c.armRTO(s)
		return
	}
	c.senderState = SenderEstablished
	c.sendDataIfPossible(s)
}

// sendDataIfPossible emits Data segments while cwnd_effective exceeds
// inflight bytes and unsent bytes remain.
func (c *Conn) sendDataIfPossible(s *sim.Simulator) {
	if c.senderState != SenderEstablished {
		return
	}
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

// sendSegment constructs a fabric packet for seg and forwards it from the
// correct end of the connection: Data/Syn/HandshakeAck originate at Src,
// SynAck/Ack originate at Dst.
func (c *Conn) sendSegment(s *sim.Simulator, seg Segment, size uint32) {
	reverse := seg.Kind == SynAck || seg.Kind == Ack
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
	pkt.Transport = fabric.Transport{
		Kind: fabric.TransportTCP, ConnId: uint64(c.Id), Segment: seg,
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
