package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestPostgresIntegrationQueueOrderAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	q, err := NewPostgres(dsn, "it", 2)
	if err != nil {
		t.Fatalf("new postgres queue: %v", err)
	}
	q.tableName = fmt.Sprintf("disputesync_queue_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = q.Close()
		postgresIntegrationDropTable(t, dsn, q.tableName)
	})

	if !q.TryEnqueue("evt_1") || !q.TryEnqueue("evt_2") {
		t.Fatalf("expected enqueue to succeed")
	}
	if q.TryEnqueue("evt_3") {
		t.Fatalf("expected capacity to be enforced")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if id, ok := q.Dequeue(ctx); !ok || id != "evt_1" {
		t.Fatalf("expected evt_1, got %q (ok=%v)", id, ok)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
}

func TestPostgresIntegrationConcurrentConsumersSeeEachItemOnce(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	q, err := NewPostgres(dsn, "it-concurrent", 64)
	if err != nil {
		t.Fatalf("new postgres queue: %v", err)
	}
	q.tableName = fmt.Sprintf("disputesync_queue_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = q.Close()
		postgresIntegrationDropTable(t, dsn, q.tableName)
	})
	for i := 0; i < 20; i++ {
		if !q.TryEnqueue(fmt.Sprintf("task_%02d", i)) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := q.tryDequeue(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct ids, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s dequeued %d times", id, n)
		}
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DISPUTESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set DISPUTESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(tableName))); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
