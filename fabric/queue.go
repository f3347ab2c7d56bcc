package fabric

// PriorityQueue is a link's egress queue: two FIFO sub-queues (high for
// TCP/DCTCP acknowledgements and handshake segments, low for everything
// else), draining high before low, bounded in aggregate bytes.
type PriorityQueue struct {
	capacityBytes uint64
	high          []Packet
	low           []Packet
	bytes         uint64
}

// NewPriorityQueue returns an empty queue with the given aggregate byte
// capacity. A capacity of 0 means unbounded.
func NewPriorityQueue(capacityBytes uint64) *PriorityQueue {
	return &PriorityQueue{capacityBytes: capacityBytes}
}

// SetCapacityBytes changes the queue's aggregate byte capacity. It does
// not evict already-queued packets even if the new capacity is smaller
// than the current occupancy.
func (q *PriorityQueue) SetCapacityBytes(capacityBytes uint64) {
	q.capacityBytes = capacityBytes
}

// CapacityBytes returns the queue's aggregate byte capacity (0 = unbounded).
func (q *PriorityQueue) CapacityBytes() uint64 { return q.capacityBytes }

// Len returns the total number of queued packets across both classes.
func (q *PriorityQueue) Len() int { return len(q.high) + len(q.low) }

// Bytes returns the total queued byte occupancy across both classes.
func (q *PriorityQueue) Bytes() uint64 { return q.bytes }

// ClassStats returns (len, bytes) for the high and low priority classes
// separately, for callers that want sub-queue visibility (e.g. viz
// payloads or tests of the priority-drain invariant).
func (q *PriorityQueue) ClassStats() (highLen int, highBytes uint64, lowLen int, lowBytes uint64) {
	for _, p := range q.high {
		highBytes += uint64(p.SizeBytes)
	}
	for _, p := range q.low {
		lowBytes += uint64(p.SizeBytes)
	}
	return len(q.high), highBytes, len(q.low), lowBytes
}

// Enqueue attempts to append pkt to its priority class. It returns false,
// leaving the queue unchanged, if doing so would exceed CapacityBytes; the
// packet is never partially enqueued.
func (q *PriorityQueue) Enqueue(pkt Packet) bool {
	if q.capacityBytes != 0 && q.bytes+uint64(pkt.SizeBytes) > q.capacityBytes {
		return false
	}
	if pkt.isAckLike() {
		q.high = append(q.high, pkt)
	} else {
		q.low = append(q.low, pkt)
	}
	q.bytes += uint64(pkt.SizeBytes)
	return true
}

// Dequeue removes and returns the head-of-line packet, draining the high
// priority class before the low priority class and preserving FIFO order
// within a class. ok is false if the queue is empty.
func (q *PriorityQueue) Dequeue() (pkt Packet, ok bool) {
	if len(q.high) > 0 {
		pkt = q.high[0]
		q.high = q.high[1:]
	} else if len(q.low) > 0 {
		pkt = q.low[0]
		q.low = q.low[1:]
	} else {
		return Packet{}, false
	}
	q.bytes -= uint64(pkt.SizeBytes)
	return pkt, true
}
