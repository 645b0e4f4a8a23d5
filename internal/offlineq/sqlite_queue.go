package offlineq

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteQueueSchema = `
CREATE TABLE IF NOT EXISTS offline_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	data TEXT,
	raw BLOB,
	headers TEXT,
	enqueued_at INTEGER NOT NULL
)`

type sqliteQueue struct {
	db       *sql.DB
	capacity int
}

// NewSQLiteQueue opens a SQLite-backed queue at path. The schema is applied on
// open; records survive process restarts.
func NewSQLiteQueue(path string, capacity int) (QueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if _, err := db.Exec(sqliteQueueSchema); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return &sqliteQueue{db: db, capacity: capacity}, nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, rec QueuedRequest) (int64, error) {
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
	result, err := q.db.ExecContext(ctx,
		`INSERT INTO offline_requests (method, url, data, raw, headers, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Method, rec.URL, data, rec.Raw, headers, enqueuedAt.UnixMilli())
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	return id, nil
}

func (q *sqliteQueue) ListAll(ctx context.Context) ([]QueuedRequest, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, method, url, data, raw, headers, enqueued_at FROM offline_requests ORDER BY id`)
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
			enqueuedAt int64
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
		rec.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return items, nil
}

func (q *sqliteQueue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_requests WHERE id = ?`, id); err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (q *sqliteQueue) Depth() int {
	var depth int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM offline_requests`).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *sqliteQueue) Close() error {
	return q.db.Close()
}

func marshalHeaders(headers map[string]string) (any, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
