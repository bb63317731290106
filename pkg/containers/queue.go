package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue abstracts a generics FIFO queue, which is thread-safe
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
}

// DequeQueue is a Queue backed by a deque.
type DequeQueue[T any] struct {
	mu sync.Mutex
	dq deque.Deque
}

// NewDeque returns an empty DequeQueue.
func NewDeque[T any]() *DequeQueue[T] {
	return &DequeQueue[T]{
		dq: deque.NewDeque(),
	}
}

func (q *DequeQueue[T]) Add(elem T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dq.Enqueue(elem)
}

func (q *DequeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Empty() {
		var zero T
		return zero, false
	}
	return q.dq.Dequeue().(T), true
}

func (q *DequeQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Empty() {
		var zero T
		return zero, false
	}
	return q.dq.Front().(T), true
}

func (q *DequeQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}
