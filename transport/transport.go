// Package transport holds the small amount of state machinery that is
// genuinely identical between tcp and dctcp: RTO estimation (SRTT/RTTVAR
// with Karn's rule and exponential backoff) and the inflight-segment
// bookkeeping both protocols' senders need. Everything protocol-specific
// -- fast recovery, DCTCP's alpha window, handshake states -- stays in
// the tcp and dctcp packages themselves rather than being forced in here.
package transport

import "github.com/m-lab/htsim/sim"

// Segment records one still-unacknowledged byte range a sender has
// transmitted: its length, when it was (last) sent, and whether that send
// was a retransmission (which disqualifies it from RTT sampling under
// Karn's rule).
type Segment struct {
	Len           uint32
	SentAt        sim.SimTime
	Retransmitted bool
}

// Inflight maps a segment's starting sequence number to its Segment
// record. Keys are always greater than or equal to the connection's
// last-acked sequence number; the earliest unacknowledged segment starts
// exactly at it.
type Inflight map[uint64]Segment

// EarliestUnacked returns the inflight segment with the smallest sequence
// number, which is always the first candidate for retransmission on a
// loss signal (fast retransmit or RTO).
func (f Inflight) EarliestUnacked() (seq uint64, seg Segment, ok bool) {
	first := true
	for s, sg := range f {
		if first || s < seq {
			seq, seg, ok = s, sg, true
			first = false
		}
	}
	return seq, seg, ok
}

// TotalBytes sums the length of every inflight segment, used to compute
// flight size for cwnd-effective bookkeeping.
func (f Inflight) TotalBytes() uint32 {
	var total uint32
	for _, sg := range f {
		total += sg.Len
	}
	return total
}

// RemoveCoveredBy deletes every inflight segment whose starting sequence
// is less than ack (i.e. fully covered by a cumulative ACK of ack).
func (f Inflight) RemoveCoveredBy(ack uint64) {
	for seq := range f {
		if seq < ack {
			delete(f, seq)
		}
	}
}

// RTOEstimator tracks SRTT/RTTVAR and the derived RTO per RFC 6298's
// alpha=1/8, beta=1/4 update, clamped to [MinRTO, MaxRTO] and doubled on
// each Backoff call.
type RTOEstimator struct {
	SRTT, RTTVar sim.SimTime
	RTO          sim.SimTime
	MinRTO       sim.SimTime
	MaxRTO       sim.SimTime
	sampled      bool
}

// NewRTOEstimator returns an estimator with RTO pinned at initRTO until
// the first Sample arrives.
func NewRTOEstimator(initRTO, minRTO, maxRTO sim.SimTime) *RTOEstimator {
	return &RTOEstimator{RTO: clampTime(initRTO, minRTO, maxRTO), MinRTO: minRTO, MaxRTO: maxRTO}
}

// Sample folds a new RTT observation into SRTT/RTTVAR and recomputes RTO.
// Callers must never pass an RTT measured from a retransmitted segment
// (Karn's rule); that filtering happens in the caller, which alone knows
// which inflight entries were retransmitted.
func (e *RTOEstimator) Sample(rtt sim.SimTime) {
	if rtt < 0 {
		rtt = 0
	}
	if !e.sampled {
		e.SRTT = rtt
		e.RTTVar = rtt / 2
		e.sampled = true
	} else {
		diff := rtt - e.SRTT
		if diff < 0 {
			diff = -diff
		}
		e.RTTVar += (diff - e.RTTVar) / 4
		e.SRTT += (rtt - e.SRTT) / 8
	}
	e.RTO = clampTime(e.SRTT+4*e.RTTVar, e.MinRTO, e.MaxRTO)
}

// Backoff doubles RTO (clamped to MaxRTO), for a fired RTO with no new ACK
// to sample from.
func (e *RTOEstimator) Backoff() {
	e.RTO = clampTime(e.RTO*2, e.MinRTO, e.MaxRTO)
}

// HasSample reports whether Sample has been called at least once.
func (e *RTOEstimator) HasSample() bool { return e.sampled }

func clampTime(t, lo, hi sim.SimTime) sim.SimTime {
	if t < lo {
		return lo
	}
	if hi > 0 && t > hi {
		return hi
	}
	return t
}
