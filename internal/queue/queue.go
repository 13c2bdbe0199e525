// Package queue holds the durable work queues feeding the event and task
// workers. Items are opaque ids; the store is the source of truth for the
// work they point at, so a lost queue entry is recovered by the resweep.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const defaultCapacity = 1024

type Queue interface {
	// TryEnqueue never blocks; false means the queue is full or unavailable.
	TryEnqueue(id string) bool
	Enqueue(ctx context.Context, id string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type snapshotter interface {
	Snapshot() []string
}

// Snapshot lists queued ids in dequeue order when the backend supports it.
func Snapshot(q Queue) []string {
	if s, ok := q.(snapshotter); ok {
		return s.Snapshot()
	}
	return nil
}

// pollUntil calls try until it reports success or ctx ends, sleeping
// interval between attempts.
func pollUntil(ctx context.Context, interval time.Duration, try func() bool) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !try() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
