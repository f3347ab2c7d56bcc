package fabric

import (
	"github.com/m-lab/htsim/sim"
)

// Link is a directed edge from one node to another, with a serialization
// rate, a fixed propagation delay, an optional ECN marking threshold, and
// an owned priority egress queue.
type Link struct {
	Id        LinkId
	From, To  NodeId
	Latency   sim.SimTime
	Bandwidth uint64 // bits per second; 0 is invalid for transmission.

	ECNThresholdBytes uint64 // 0 means ECN marking is disabled on this link.
	ecnEnabled        bool

	busyUntil sim.SimTime
	Queue     *PriorityQueue

	// Accounting, read by tests and viz consumers.
	DeliveredPkts, DroppedPkts   uint64
	DeliveredBytes, DroppedBytes uint64
	firstTxStart                sim.SimTime
	haveFirstTxStart            bool
	txTimeSum                   sim.SimTime
}

// Idle reports whether the link is free to begin transmitting a new
// packet at time now.
func (l *Link) Idle(now sim.SimTime) bool { return l.busyUntil <= now }

// BusyUntil returns the virtual time at which the packet currently being
// serialized (if any) will finish leaving the link.
func (l *Link) BusyUntil() sim.SimTime { return l.busyUntil }

// SetECNThresholdBytes configures ECN marking on this link: when the
// queue's byte occupancy at enqueue time would exceed threshold, an
// ECN-capable packet is marked CE. Passing 0 disables marking.
func (l *Link) SetECNThresholdBytes(threshold uint64) {
	l.ECNThresholdBytes = threshold
	l.ecnEnabled = threshold != 0
}

// txTimeNanos computes the serialization time in nanoseconds for a packet
// of the given size at this link's bandwidth, rounding up.
func txTimeNanos(sizeBytes uint32, bandwidthBps uint64) sim.SimTime {
	bits := uint64(sizeBytes) * 8
	// ceil(bits * 1e9 / bandwidthBps)
	num := bits * 1_000_000_000
	t := num / bandwidthBps
	if num%bandwidthBps != 0 {
		t++
	}
	return sim.SimTime(t)
}
