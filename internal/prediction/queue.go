package prediction

import (
	"container/heap"
	"sync"

	"github.com/elevate-ai/coaching-platform/pkg/metrics"
)

// queuedRequest carries a pending request plus its ordering keys: priority
// rank first, then insertion order for FIFO within the same priority.
type queuedRequest struct {
	req  Request
	rank int
	seq  uint64
}

type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*queuedRequest)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// requestQueue is a bounded priority queue: critical > high > normal > low,
// FIFO within a priority.
type requestQueue struct {
	mu       sync.Mutex
	heap     requestHeap
	capacity int
	counter  uint64
}

func newRequestQueue(capacity int) *requestQueue {
	q := &requestQueue{capacity: capacity}
	heap.Init(&q.heap)
	return q
}

func (q *requestQueue) push(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		return ErrQueueFull
	}
	q.counter++
	heap.Push(&q.heap, &queuedRequest{
		req:  req,
		rank: req.Priority.Rank(),
		seq:  q.counter,
	})
	metrics.PredictionQueueDepth.Set(float64(len(q.heap)))
	return nil
}

// drain pops up to max requests in priority order.
func (q *requestQueue) drain(max int) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := max
	if n > len(q.heap) {
		n = len(q.heap)
	}
	out := make([]Request, 0, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&q.heap).(*queuedRequest)
		out = append(out, item.req)
	}
	metrics.PredictionQueueDepth.Set(float64(len(q.heap)))
	return out
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
