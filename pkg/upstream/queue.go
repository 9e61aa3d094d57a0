package upstream

import (
	"container/heap"
	"context"
	"sync"
)

// pending is one queued upstream request. done is buffered so the
// worker never blocks on a caller that already gave up.
type pending struct {
	ctx  context.Context
	band int
	seq  uint64
	run  func(context.Context) error
	done chan error
}

// pendingHeap orders by priority band first, submission order second,
// so a burst of low-priority list calls cannot starve a registration
// token needed to place a job.
type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].band != h[j].band {
		return h[i].band < h[j].band
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*pending)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// requestQueue hands queued requests to the single sender worker.
type requestQueue struct {
	mu   sync.Mutex
	heap pendingHeap
	seq  uint64
	wake chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

func (q *requestQueue) submit(p *pending) {
	q.mu.Lock()
	q.seq++
	p.seq = q.seq
	heap.Push(&q.heap, p)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the most urgent pending request, or nil when empty.
func (q *requestQueue) pop() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*pending)
}

func (q *requestQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
