package queue

import (
	"context"
	"strings"
)

type memoryQueue struct {
	ch chan string
}

func NewMemory(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &memoryQueue{ch: make(chan string, capacity)}
}

func (q *memoryQueue) TryEnqueue(id string) bool {
	if q == nil || strings.TrimSpace(id) == "" {
		return false
	}
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, id string) bool {
	if q == nil || strings.TrimSpace(id) == "" {
		return false
	}
	select {
	case q.ch <- id:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case id := <-q.ch:
		return id, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *memoryQueue) Depth() int {
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	return cap(q.ch)
}

func (q *memoryQueue) Close() error {
	return nil
}
