package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/lalithlochan/courier/internal/notification"
)

// entry is one queued notification.
type entry struct {
	n               *notification.Notification
	nextAttemptAt   time.Time
	backoffExponent int
	seq             uint64
	index           int
}

// entryHeap orders by next attempt time, then priority (high first), then
// insertion order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.nextAttemptAt.Equal(b.nextAttemptAt) {
		return a.nextAttemptAt.Before(b.nextAttemptAt)
	}
	if a.n.Priority != b.n.Priority {
		return a.n.Priority > b.n.Priority
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue is the time-gated priority queue of pending notifications.
type queue struct {
	mu   sync.Mutex
	h    entryHeap
	byID map[string]*entry
	seq  uint64
}

func newQueue() *queue {
	return &queue{byID: make(map[string]*entry)}
}

// push adds n to run at at. A notification already queued is moved.
func (q *queue) push(n *notification.Notification, at time.Time, backoffExponent int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.byID[n.ID]; ok {
		heap.Remove(&q.h, old.index)
	}

	q.seq++
	e := &entry{n: n, nextAttemptAt: at, backoffExponent: backoffExponent, seq: q.seq}
	heap.Push(&q.h, e)
	q.byID[n.ID] = e
}

// popDue removes and returns every entry due at now, in processing order.
func (q *queue) popDue(now time.Time) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*entry
	for q.h.Len() > 0 && !q.h[0].nextAttemptAt.After(now) {
		e := heap.Pop(&q.h).(*entry)
		delete(q.byID, e.n.ID)
		due = append(due, e)
	}
	return due
}

func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return true
}

func (q *queue) get(id string) (*notification.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return e.n.Clone(), true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// snapshotEntry is the persisted form of a queue entry.
type snapshotEntry struct {
	Notification    *notification.Notification `json:"notification"`
	NextAttemptAt   time.Time                  `json:"next_attempt_at"`
	BackoffExponent int                        `json:"backoff_exponent"`
}

// snapshot returns copies of the entries in processing order.
func (q *queue) snapshot() []snapshotEntry {
	q.mu.Lock()
	tmp := make(entryHeap, len(q.h))
	for i, e := range q.h {
		tmp[i] = &entry{
			n:               e.n.Clone(),
			nextAttemptAt:   e.nextAttemptAt,
			backoffExponent: e.backoffExponent,
			seq:             e.seq,
		}
	}
	q.mu.Unlock()

	heap.Init(&tmp)
	out := make([]snapshotEntry, 0, len(tmp))
	for tmp.Len() > 0 {
		e := heap.Pop(&tmp).(*entry)
		out = append(out, snapshotEntry{
			Notification:    e.n,
			NextAttemptAt:   e.nextAttemptAt,
			BackoffExponent: e.backoffExponent,
		})
	}
	return out
}
