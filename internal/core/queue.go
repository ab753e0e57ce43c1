package core

import (
	"container/heap"
	"time"
)

// queueEntry is one submitted task waiting in the scheduler.
type queueEntry struct {
	task      Task
	priority  Priority
	readyAt   time.Time
	seq       uint64 // submission order, breaks ties FIFO
	cancelled bool
}

// readyHeap orders due entries by priority, then ready time, then submission order.
type readyHeap []*queueEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*queueEntry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders entries that are not yet due by ready time.
type delayHeap []*queueEntry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*queueEntry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// taskQueue splits pending entries into due and delayed heaps so a delayed
// high-priority task never holds back a due lower-priority one.
type taskQueue struct {
	ready   readyHeap
	delayed delayHeap
	live    int
}

func (q *taskQueue) push(e *queueEntry, now time.Time) {
	if e.readyAt.After(now) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
	q.live++
}

// promote moves every delayed entry that is due at now into the ready heap.
func (q *taskQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

// pop returns the best due entry, skipping cancelled ones. When nothing is due it
// returns the time until the next delayed entry (zero if none).
func (q *taskQueue) pop(now time.Time) (*queueEntry, time.Duration) {
	q.promote(now)
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*queueEntry)
		if e.cancelled {
			continue
		}
		q.live--
		return e, 0
	}
	for q.delayed.Len() > 0 && q.delayed[0].cancelled {
		heap.Pop(&q.delayed)
	}
	if q.delayed.Len() > 0 {
		return nil, q.delayed[0].readyAt.Sub(now)
	}
	return nil, 0
}

// cancel marks an entry so pop skips it.
func (q *taskQueue) cancel(e *queueEntry) {
	if !e.cancelled {
		e.cancelled = true
		q.live--
	}
}

func (q *taskQueue) len() int { return q.live }
