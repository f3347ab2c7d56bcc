// Package sim implements the discrete-event simulator kernel: a virtual
// clock, a priority queue of scheduled events, and ordered single-threaded
// dispatch. It knows nothing about packets, links, or transport state --
// those live in higher layers that plug into the kernel through the Event
// and World interfaces.
package sim

import (
	"container/heap"
)

// SimTime is a count of nanoseconds of virtual time. It is totally ordered
// and never advances except through Simulator dispatch.
type SimTime int64

// Zero is the time at which every Simulator starts.
const Zero SimTime = 0

const maxSimTime = SimTime(1<<63 - 1)

// Microseconds converts n microseconds to a SimTime, saturating at the
// maximum representable SimTime on overflow.
func Microseconds(n int64) SimTime { return mulSaturating(n, 1_000) }

// Milliseconds converts n milliseconds to a SimTime, saturating on overflow.
func Milliseconds(n int64) SimTime { return mulSaturating(n, 1_000_000) }

// Seconds converts n seconds to a SimTime, saturating on overflow.
func Seconds(n int64) SimTime { return mulSaturating(n, 1_000_000_000) }

func mulSaturating(n, unit int64) SimTime {
	if n <= 0 {
		return SimTime(n * unit)
	}
	if n > int64(maxSimTime)/unit {
		return maxSimTime
	}
	return SimTime(n * unit)
}

// Add returns t+d, saturating at the maximum representable SimTime.
func (t SimTime) Add(d SimTime) SimTime {
	if d > 0 && t > maxSimTime-d {
		return maxSimTime
	}
	return t + d
}

// Event is anything that can be dispatched by the Simulator. Dispatch may
// mutate both the Simulator (e.g. to schedule further events) and the
// World (the caller-owned, type-erased simulation state).
type Event interface {
	Dispatch(s *Simulator, w World)
}

// World is a type-erased handle to whatever state a simulation's events
// close over. Events downcast it to their concrete container type.
type World interface{}

// Ticker is an optional interface a World may implement; if it does, Tick
// is invoked once after every event dispatched by Run or RunUntil.
type Ticker interface {
	Tick(s *Simulator)
}

type scheduledEvent struct {
	at    SimTime
	seq   uint64
	event Event
}

// eventHeap is a min-heap ordered by (at, seq) ascending, giving FIFO
// ordering among events scheduled for the same instant.
type eventHeap []scheduledEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(scheduledEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Simulator owns the virtual clock and the heap of not-yet-dispatched
// events. It carries no knowledge of what an Event or a World actually is.
type Simulator struct {
	now     SimTime
	nextSeq uint64
	heap    eventHeap
}

// New returns a Simulator with the clock at Zero and an empty event heap.
func New() *Simulator {
	return &Simulator{}
}

// Now returns the simulator's current virtual time.
func (s *Simulator) Now() SimTime { return s.now }

// Pending returns the number of events not yet dispatched.
func (s *Simulator) Pending() int { return len(s.heap) }

// Schedule enqueues event to run at time at. at is normally >= Now(); a
// caller that schedules into the past has the event run as if scheduled
// for the current instant, after every event already due at or before now
// that was scheduled earlier. Events scheduled for the same instant run in
// the order Schedule was called (FIFO among equal keys).
func (s *Simulator) Schedule(at SimTime, event Event) {
	if at < s.now {
		at = s.now
	}
	heap.Push(&s.heap, scheduledEvent{at: at, seq: s.nextSeq, event: event})
	s.nextSeq++
}

// Run dispatches every scheduled event, including ones scheduled by events
// that are themselves dispatched during Run, until the heap is empty.
func (s *Simulator) Run(w World) {
	ticker, _ := w.(Ticker)
	for len(s.heap) > 0 {
		s.dispatchNext(w)
		if ticker != nil {
			ticker.Tick(s)
		}
	}
}

// RunUntil dispatches every event scheduled at or before `until`, then
// advances now to max(now, until). Events scheduled for exactly `until` by
// other events dispatched during this call are also run, since they become
// due before the loop re-checks the heap head.
func (s *Simulator) RunUntil(until SimTime, w World) {
	ticker, _ := w.(Ticker)
	for len(s.heap) > 0 && s.heap[0].at <= until {
		s.dispatchNext(w)
		if ticker != nil {
			ticker.Tick(s)
		}
	}
	if s.now < until {
		s.now = until
	}
}

func (s *Simulator) dispatchNext(w World) {
	item := heap.Pop(&s.heap).(scheduledEvent)
	if item.at > s.now {
		s.now = item.at
	}
	item.event.Dispatch(s, w)
}

// EventFunc adapts a plain function to the Event interface.
type EventFunc func(s *Simulator, w World)

// Dispatch implements Event.
func (f EventFunc) Dispatch(s *Simulator, w World) { f(s, w) }
