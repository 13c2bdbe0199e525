package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryQueueBoundedFIFO(t *testing.T) {
	q := NewMemory(2)
	if !q.TryEnqueue("a") || !q.TryEnqueue("b") {
		t.Fatalf("expected first two enqueues to succeed")
	}
	if q.TryEnqueue("c") {
		t.Fatalf("expected enqueue beyond capacity to fail")
	}
	if q.TryEnqueue("  ") {
		t.Fatalf("expected blank id to be rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if id, ok := q.Dequeue(ctx); !ok || id != "a" {
		t.Fatalf("expected a, got %q (ok=%v)", id, ok)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
}

func TestMemoryQueueDequeueHonoursContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue on empty queue to give up with the context")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	q, err := NewFile(path, 4)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if !q.TryEnqueue("evt_1") || !q.TryEnqueue("evt_2") {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFile(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	if got := Snapshot(reopened); len(got) != 2 {
		t.Fatalf("expected 2 queued ids after reopen, got %v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first != "evt_1" {
		t.Fatalf("expected evt_1, got %q (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second != "evt_2" {
		t.Fatalf("expected evt_2, got %q (ok=%v)", second, ok)
	}
}

func TestFileQueueTruncatesToCapacityOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	q, err := NewFile(path, 3)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if !q.TryEnqueue(id) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	smaller, err := NewFile(path, 2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got := Snapshot(smaller)
	if len(got) != 2 || got[0] != "t2" || got[1] != "t3" {
		t.Fatalf("expected newest two ids, got %v", got)
	}
}

func TestFileQueueKeepsStateWhenWriteFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queues")
	q, err := NewFile(filepath.Join(dir, "events.json"), 4)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if !q.TryEnqueue("evt_1") {
		t.Fatalf("expected enqueue to succeed")
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove queue dir: %v", err)
	}
	if err := os.WriteFile(dir, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("block queue dir: %v", err)
	}

	if q.TryEnqueue("evt_2") {
		t.Fatalf("expected enqueue to fail when the file cannot be written")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to give up when the file cannot be written")
	}
	if got := Snapshot(q); len(got) != 1 || got[0] != "evt_1" {
		t.Fatalf("expected [evt_1] to survive failed writes, got %v", got)
	}
}

func TestFileQueueRejectsNewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(`{"format":99,"ids":["evt_1"]}`), 0o644); err != nil {
		t.Fatalf("write queue file: %v", err)
	}
	if _, err := NewFile(path, 4); err == nil {
		t.Fatalf("expected newer queue file format to be rejected")
	}
}

func TestRedisQueueBoundedFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisWithClient(client, "tasks", 2)
	if err != nil {
		t.Fatalf("new redis queue failed: %v", err)
	}
	if !q.TryEnqueue("task_1") || !q.TryEnqueue("task_2") {
		t.Fatalf("expected enqueue to succeed")
	}
	if q.TryEnqueue("task_3") {
		t.Fatalf("expected enqueue beyond capacity to fail")
	}
	if q.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if id, ok := q.Dequeue(ctx); !ok || id != "task_1" {
		t.Fatalf("expected task_1, got %q (ok=%v)", id, ok)
	}
	if got := Snapshot(q); len(got) != 1 || got[0] != "task_2" {
		t.Fatalf("expected [task_2] left, got %v", got)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("shared client should stay open: %v", err)
	}
}

func TestBuildFromDSN(t *testing.T) {
	q, err := Build("", "events", 5)
	if err != nil || q.Capacity() != 5 {
		t.Fatalf("expected in-memory queue for empty dsn, got %v (err=%v)", q, err)
	}

	dir := t.TempDir()
	q, err = Build("file://"+dir, "events", 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if !q.TryEnqueue("evt") {
		t.Fatalf("expected file queue enqueue to succeed")
	}
	reopened, err := NewFile(filepath.Join(dir, "events.json"), 9)
	if err != nil || reopened.Depth() != 1 {
		t.Fatalf("expected queue file under dsn dir, depth=%d err=%v", reopened.Depth(), err)
	}

	mr := miniredis.RunT(t)
	q, err = Build("redis://"+mr.Addr()+"/0", "tasks", 3)
	if err != nil {
		t.Fatalf("build redis queue failed: %v", err)
	}
	defer q.Close()
	if !q.TryEnqueue("task") || q.Depth() != 1 {
		t.Fatalf("expected redis queue to accept an item")
	}

	if _, err := Build("kafka://broker:9092", "events", 1); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for kafka, got %v", err)
	}
	if _, err := Build("ftp://host/x", "events", 1); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterFactory(t *testing.T) {
	Register("queuetestcustom", func(dsn, name string, capacity int) (Queue, error) {
		return NewMemory(capacity), nil
	})
	q, err := Build("queuetestcustom://example", "events", 17)
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if q.Capacity() != 17 {
		t.Fatalf("expected capacity 17, got %d", q.Capacity())
	}
}
