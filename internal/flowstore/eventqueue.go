package flowstore

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Priority levels for queued persistence events.
const (
	PriorityHigh   = "high"   // flow created/closed, WS message, TLS chain observed
	PriorityMedium = "medium" // header/body intercepted
	PriorityLow    = "low"    // repeated timing updates (dropped first)
)

var priorityValue = map[string]int{
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
}

// QueueItem is one unit of work destined for a durable backend.
type QueueItem struct {
	Data      interface{}
	Priority  string
	FlowID    uint64
	Kind      string
	Timestamp time.Time
	index     int
}

// QueueStats snapshots queue occupancy and drop counters.
type QueueStats struct {
	Size          int
	HighCount     int
	MediumCount   int
	LowCount      int
	DropsTotal    uint64
	DropsLow      uint64
	DropsHigh     uint64
}

// EventQueue is a bounded priority queue with backpressure: when full it
// drops low-priority items first, and only as a last resort drops the
// oldest item regardless of priority.
type EventQueue struct {
	mu         sync.Mutex
	items      priorityHeap
	maxSize    int
	dropsTotal uint64
	dropsLow   uint64
	dropsHigh  uint64

	notifyCh chan struct{}
	closeCh  chan struct{}
	closed   bool
}

// NewEventQueue creates a bounded queue of maxSize items.
func NewEventQueue(maxSize int) *EventQueue {
	q := &EventQueue{
		items:    make(priorityHeap, 0, maxSize),
		maxSize:  maxSize,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Push adds item, applying backpressure if the queue is full. Returns
// true if item itself was dropped.
func (q *EventQueue) Push(item *QueueItem) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true
	}

	if len(q.items) >= q.maxSize {
		if q.evictForSpace(item) {
			return true
		}
	}

	heap.Push(&q.items, item)

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}

	return false
}

func (q *EventQueue) evictForSpace(newItem *QueueItem) bool {
	newPriority := priorityValue[newItem.Priority]
	fillPercent := float64(len(q.items)) / float64(q.maxSize) * 100

	if fillPercent >= 95 {
		if q.evictLowest(PriorityLow) {
			atomic.AddUint64(&q.dropsLow, 1)
			atomic.AddUint64(&q.dropsTotal, 1)
			return false
		}
	}

	if fillPercent >= 100 {
		if newPriority <= priorityValue[PriorityLow] {
			atomic.AddUint64(&q.dropsLow, 1)
			atomic.AddUint64(&q.dropsTotal, 1)
			return true
		}
		if q.evictLowest(PriorityLow) {
			atomic.AddUint64(&q.dropsLow, 1)
			atomic.AddUint64(&q.dropsTotal, 1)
			return false
		}
	}

	if len(q.items) > 0 {
		oldestIdx := 0
		for i, item := range q.items {
			if item.Timestamp.Before(q.items[oldestIdx].Timestamp) {
				oldestIdx = i
			}
		}
		oldest := heap.Remove(&q.items, oldestIdx).(*QueueItem)
		if priorityValue[oldest.Priority] >= priorityValue[PriorityHigh] {
			atomic.AddUint64(&q.dropsHigh, 1)
		}
		atomic.AddUint64(&q.dropsTotal, 1)
		return false
	}

	return true
}

func (q *EventQueue) evictLowest(maxPriority string) bool {
	maxPrio := priorityValue[maxPriority]

	lowestIdx := -1
	lowestPrio := 999
	var oldestTime time.Time

	for i, item := range q.items {
		itemPrio := priorityValue[item.Priority]
		if itemPrio <= maxPrio {
			if itemPrio < lowestPrio || (itemPrio == lowestPrio && (lowestIdx == -1 || item.Timestamp.Before(oldestTime))) {
				lowestIdx = i
				lowestPrio = itemPrio
				oldestTime = item.Timestamp
			}
		}
	}

	if lowestIdx >= 0 {
		heap.Remove(&q.items, lowestIdx)
		return true
	}
	return false
}

// Pop removes and returns the highest priority item, or nil if empty.
func (q *EventQueue) Pop() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*QueueItem)
}

// Len returns the current item count.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats reports occupancy and drop counters.
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Size:       len(q.items),
		DropsTotal: atomic.LoadUint64(&q.dropsTotal),
		DropsLow:   atomic.LoadUint64(&q.dropsLow),
		DropsHigh:  atomic.LoadUint64(&q.dropsHigh),
	}
	for _, item := range q.items {
		switch item.Priority {
		case PriorityHigh:
			stats.HighCount++
		case PriorityMedium:
			stats.MediumCount++
		case PriorityLow:
			stats.LowCount++
		}
	}
	return stats
}

// NotifyCh signals when items have been pushed.
func (q *EventQueue) NotifyCh() <-chan struct{} {
	return q.notifyCh
}

// Close shuts the queue down; further Push calls drop their item.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
}

// Wait blocks until ctx is cancelled, the queue closes, or an item
// arrives (returning true in the last case).
func (q *EventQueue) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.closeCh:
		return false
	case <-q.notifyCh:
		return true
	}
}

type priorityHeap []*QueueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	pi, pj := priorityValue[h[i].Priority], priorityValue[h[j].Priority]
	if pi != pj {
		return pi > pj
	}
	return h[i].Timestamp.Before(h[j].Timestamp)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x interface{}) {
	item := x.(*QueueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
