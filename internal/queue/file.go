package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	fileQueueFormat       = 1
	fileQueuePollInterval = 10 * time.Millisecond
)

// fileQueue keeps the whole queue in one JSON document that is replaced
// atomically on every change. Suited to single-process deployments.
type fileQueue struct {
	path     string
	capacity int

	mu  sync.Mutex
	ids []string
}

type fileQueueDoc struct {
	Format int      `json:"format"`
	IDs    []string `json:"ids"`
}

func NewFile(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ids, err := readFileQueue(path)
	if err != nil {
		return nil, fmt.Errorf("queue file %s: %w", path, err)
	}
	q := &fileQueue{path: path, capacity: capacity, ids: ids}
	if len(ids) > capacity {
		// Oldest entries go; the store resweep requeues their work.
		if err := q.commitLocked(ids[len(ids)-capacity:]); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// commitLocked persists next and only then makes it the in-memory state, so
// a failed write leaves the queue unchanged.
func (q *fileQueue) commitLocked(next []string) error {
	data, err := json.Marshal(fileQueueDoc{Format: fileQueueFormat, IDs: next})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(q.path, data, 0o644); err != nil {
		return err
	}
	q.ids = next
	return nil
}

func (q *fileQueue) TryEnqueue(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) >= q.capacity {
		return false
	}
	next := make([]string, len(q.ids), len(q.ids)+1)
	copy(next, q.ids)
	return q.commitLocked(append(next, id)) == nil
}

func (q *fileQueue) Enqueue(ctx context.Context, id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	return pollUntil(ctx, fileQueuePollInterval, func() bool { return q.TryEnqueue(id) })
}

func (q *fileQueue) Dequeue(ctx context.Context) (string, bool) {
	var id string
	ok := pollUntil(ctx, fileQueuePollInterval, func() bool {
		var popped bool
		id, popped = q.pop()
		return popped
	})
	return id, ok
}

func (q *fileQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	head := q.ids[0]
	if err := q.commitLocked(append([]string(nil), q.ids[1:]...)); err != nil {
		return "", false
	}
	return head, true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func (q *fileQueue) Close() error {
	return nil
}

func readFileQueue(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileQueueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Format > fileQueueFormat {
		return nil, fmt.Errorf("unsupported queue file format %d", doc.Format)
	}
	return doc.IDs, nil
}
