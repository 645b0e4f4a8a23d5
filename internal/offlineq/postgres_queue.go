package offlineq

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "offlineq_requests"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresQueue struct {
	dsn       string
	tableName string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresQueue builds a Postgres-backed queue. The connection is opened
// lazily on first use so construction never blocks on an unreachable database.
func NewPostgresQueue(dsn string, capacity int) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &postgresQueue{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (q *postgresQueue) Enqueue(ctx context.Context, rec QueuedRequest) (int64, error) {
	if err := q.ensureReady(); err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	if q.Depth() >= q.capacity {
		return 0, ErrQueueFull
	}
	headers, err := marshalHeaders(rec.Headers)
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	enqueuedAt := rec.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	var data any
	if len(rec.Data) > 0 {
		data = string(rec.Data)
	}
	query := `
		INSERT INTO ` + postgresQuoteIdentifier(q.tableName) + ` (method, url, data, raw, headers, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	var id int64
	if err := q.db.QueryRowContext(ctx, query, rec.Method, rec.URL, data, rec.Raw, headers, enqueuedAt).Scan(&id); err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	return id, nil
}

func (q *postgresQueue) ListAll(ctx context.Context) ([]QueuedRequest, error) {
	if err := q.ensureReady(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	query := `SELECT id, method, url, data, raw, headers, enqueued_at FROM ` +
		postgresQuoteIdentifier(q.tableName) + ` ORDER BY id`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()
	items := []QueuedRequest{}
	for rows.Next() {
		var (
			rec        QueuedRequest
			data       sql.NullString
			headers    sql.NullString
			enqueuedAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Method, &rec.URL, &data, &rec.Raw, &headers, &enqueuedAt); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		if data.Valid && data.String != "" {
			rec.Data = json.RawMessage(data.String)
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &rec.Headers); err != nil {
				return nil, &StorageError{Op: "list", Err: err}
			}
		}
		rec.EnqueuedAt = enqueuedAt.UTC()
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return items, nil
}

func (q *postgresQueue) Remove(ctx context.Context, id int64) error {
	if err := q.ensureReady(); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	query := `DELETE FROM ` + postgresQuoteIdentifier(q.tableName) + ` WHERE id = $1`
	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (q *postgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := `SELECT COUNT(*) FROM ` + postgresQuoteIdentifier(q.tableName)
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *postgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *postgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := `
			CREATE TABLE IF NOT EXISTS ` + postgresQuoteIdentifier(q.tableName) + ` (
				id BIGSERIAL PRIMARY KEY,
				method TEXT NOT NULL,
				url TEXT NOT NULL,
				data JSONB,
				raw BYTEA,
				headers JSONB,
				enqueued_at TIMESTAMPTZ NOT NULL
			)`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			q.initErr = err
			_ = db.Close()
			return
		}
		q.db = db
	})
	return q.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
