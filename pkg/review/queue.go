// Package review implements the Review Queue & API (C9): the in-process
// priority index over pending ReviewItems and the HTTP surface reviewers
// use to act on them.
package review

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/domain"
)

type pqEntry struct {
	reviewID string
	priority float64
	index    int
}

// priorityHeap is a max-heap ordered by priority, the highest-priority
// pending item always at the root.
type priorityHeap []*pqEntry

func (h priorityHeap) Len() int            { return len(h) }
func (h priorityHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*pqEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the in-process pending-review priority index, keyed by
// review_id and scored by priority_score (§4.9). Postgres remains the
// durable source of truth — this is a fast index rebuilt from it at
// startup via WarmFrom — so a crash loses nothing but a little ordering
// latency until the next warm-up. No third-party priority-queue library
// appears anywhere in the pack, so this one piece is container/heap.
type Queue struct {
	mu      sync.Mutex
	heap    priorityHeap
	entries map[string]*pqEntry
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[string]*pqEntry)}
}

// Push adds a new pending item or re-scores an existing one, satisfying
// the supervisor's ReviewQueue capability.
func (q *Queue) Push(ctx context.Context, reviewID string, priority float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[reviewID]; ok {
		e.priority = priority
		heap.Fix(&q.heap, e.index)
		return nil
	}
	e := &pqEntry{reviewID: reviewID, priority: priority}
	heap.Push(&q.heap, e)
	q.entries[reviewID] = e
	return nil
}

// Remove drops reviewID from the pending index, called whenever a review
// leaves the pending state (reviewing, approved, rejected).
func (q *Queue) Remove(reviewID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[reviewID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.entries, reviewID)
}

// Peek returns up to limit pending review ids ordered by descending
// priority without mutating the queue.
func (q *Queue) Peek(limit int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make([]*pqEntry, len(q.heap))
	copy(cp, q.heap)
	sort.Slice(cp, func(i, j int) bool { return cp[i].priority > cp[j].priority })

	if limit <= 0 || limit > len(cp) {
		limit = len(cp)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = cp[i].reviewID
	}
	return out
}

// WarmFrom rebuilds the index from a snapshot of currently-pending items,
// called once at startup after the store has been reached.
func (q *Queue) WarmFrom(items []*domain.ReviewItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.entries = make(map[string]*pqEntry, len(items))
	for _, it := range items {
		e := &pqEntry{reviewID: it.ReviewID, priority: it.PriorityScore}
		heap.Push(&q.heap, e)
		q.entries[e.reviewID] = e
	}
}
