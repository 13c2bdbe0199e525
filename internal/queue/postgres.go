package queue

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresQueueTable        = "disputesync_queue"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 25 * time.Millisecond
)

// pgQueries are the statements for one queue table, rendered once the table
// name is final.
type pgQueries struct {
	schema []string
	push   string
	pop    string
	depth  string
	list   string
}

func newPGQueries(table string) pgQueries {
	t := pq.QuoteIdentifier(table)
	return pgQueries{
		schema: []string{
			`CREATE TABLE IF NOT EXISTS ` + t + ` (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(table+"_by_key") + ` ON ` + t + ` (queue_key, id)`,
		},
		// The advisory lock serialises producers of one queue, so the
		// capacity check and the insert cannot interleave across processes.
		push: `INSERT INTO ` + t + ` (queue_key, payload)
			SELECT $1, $2
			WHERE (SELECT COUNT(*) FROM ` + t + ` WHERE queue_key = $1) < $3`,
		pop: `DELETE FROM ` + t + `
			WHERE id = (
				SELECT id FROM ` + t + `
				WHERE queue_key = $1
				ORDER BY id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING payload`,
		depth: `SELECT COUNT(*) FROM ` + t + ` WHERE queue_key = $1`,
		list:  `SELECT payload FROM ` + t + ` WHERE queue_key = $1 ORDER BY id`,
	}
}

// PostgresQueue keeps every named queue in one shared table keyed by
// queue_key. Consumers in several processes may pop concurrently.
type PostgresQueue struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int

	once    sync.Once
	openErr error
	db      *sql.DB
	stmts   pgQueries
}

func NewPostgres(dsn, name string, capacity int) (*PostgresQueue, error) {
	dsn, name = strings.TrimSpace(dsn), strings.TrimSpace(name)
	if dsn == "" || name == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresQueue{dsn: dsn, tableName: postgresQueueTable, queueKey: name, capacity: capacity}, nil
}

// open connects and creates the table on first use.
func (q *PostgresQueue) open() (*sql.DB, error) {
	if q == nil {
		return nil, ErrInvalidInput
	}
	q.once.Do(func() {
		q.stmts = newPGQueries(q.tableName)
		db, err := sql.Open("postgres", q.dsn)
		if err != nil {
			q.openErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range q.stmts.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.openErr = err
				return
			}
		}
		q.db = db
	})
	return q.db, q.openErr
}

func (q *PostgresQueue) TryEnqueue(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	pushed, err := q.push(ctx, id)
	return err == nil && pushed
}

func (q *PostgresQueue) push(ctx context.Context, id string) (bool, error) {
	db, err := q.open()
	if err != nil {
		return false, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))", q.tableName, q.queueKey); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, q.stmts.push, q.queueKey, id, q.capacity)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	return true, tx.Commit()
}

func (q *PostgresQueue) Enqueue(ctx context.Context, id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	return pollUntil(ctx, postgresQueuePollInterval, func() bool {
		pushed, err := q.push(ctx, id)
		return err == nil && pushed
	})
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (string, bool) {
	var id string
	ok := pollUntil(ctx, postgresQueuePollInterval, func() bool {
		var popped bool
		id, popped = q.tryDequeue(ctx)
		return popped
	})
	return id, ok
}

// tryDequeue pops the oldest row in one statement; rows locked by another
// consumer are skipped rather than waited on.
func (q *PostgresQueue) tryDequeue(ctx context.Context) (string, bool) {
	db, err := q.open()
	if err != nil {
		return "", false
	}
	var payload string
	if err := db.QueryRowContext(ctx, q.stmts.pop, q.queueKey).Scan(&payload); err != nil {
		return "", false
	}
	return payload, true
}

func (q *PostgresQueue) Depth() int {
	db, err := q.open()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var n int
	if err := db.QueryRowContext(ctx, q.stmts.depth, q.queueKey).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Snapshot() []string {
	db, err := q.open()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := db.QueryContext(ctx, q.stmts.list, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
