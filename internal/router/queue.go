package router

import (
	"sync"
)

// growThreshold is the fill percentage at which a queue doubles capacity.
const growThreshold = 70

// Queue is an unbounded FIFO that doubles its ring capacity once it is 70%
// full, so producers never block or drop. Safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next read
	tail   int // next write
	count  int
	closed bool

	pushed  int64
	popped  int64
	resizes int
}

// QueueStats is a point-in-time view of a Queue.
type QueueStats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Resizes  int
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. Returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	limit := len(q.ring) * growThreshold / 100
	if limit < 1 {
		limit = 1
	}
	if q.count+1 >= limit {
		q.grow()
	}

	q.ring[q.tail] = item
	q.tail = (q.tail + 1) % len(q.ring)
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available and returns it. After Close it
// keeps returning queued items, then the zero value and false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the next item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Close stops accepting items and wakes blocked consumers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Capacity: len(q.ring),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Resizes:  q.resizes,
	}
}

// take removes the head item. Caller holds mu and has checked count > 0.
func (q *Queue[T]) take() T {
	item := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return item
}

// grow doubles the ring, unwrapping queued items to the front.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.ring)*2)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.ring[q.head:q.tail])
		} else {
			n := copy(next, q.ring[q.head:])
			copy(next[n:], q.ring[:q.tail])
		}
	}
	q.ring = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
