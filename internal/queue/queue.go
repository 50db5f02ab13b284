// Package queue provides the bounded hand-off queue used between the network
// goroutine and the foreground tick.
package queue

import "sync"

// Queue stores items in a fixed-size ring. It is safe for concurrent
// producers and consumers; no operation blocks beyond its own short lock.
type Queue[T any] struct {
	mu      sync.Mutex
	data    []T
	head    int
	tail    int
	count   int
	dropped uint64
}

// New constructs a queue with the provided capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		data: make([]T, capacity),
	}
}

// Capacity reports the maximum number of items the queue can hold.
func (q *Queue[T]) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Push appends an item, returning false if the queue is full. Rejected items
// are counted in Dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.dropped++
		return false
	}
	q.data[q.tail] = item
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	return true
}

// TryPop removes the oldest item. The boolean is false if the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.data[q.head]
	q.data[q.head] = zero
	q.head = (q.head + 1) % len(q.data)
	q.count--
	return item, true
}

// Drain returns all queued items in FIFO order and clears the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	var zero T
	items := make([]T, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.data)
		items[i] = q.data[idx]
		q.data[idx] = zero
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	return items
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped reports how many pushes were rejected because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset discards every queued item.
func (q *Queue[T]) Reset() {
	q.Drain()
}
