package cachegate

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteCacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	partition TEXT NOT NULL,
	key TEXT NOT NULL,
	version TEXT NOT NULL,
	status INTEGER NOT NULL,
	headers TEXT,
	body BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
)`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite-backed cache store so cached responses survive
// process restarts.
func NewSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteCacheSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, partition Partition, key string) (Entry, bool, error) {
	var (
		entry    Entry
		headers  sql.NullString
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, status, headers, body, stored_at FROM cache_entries WHERE partition = ? AND key = ?`,
		string(partition), key).Scan(&entry.Version, &entry.Status, &headers, &entry.Body, &storedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.Partition = partition
	entry.Key = key
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	if headers.Valid && headers.String != "" {
		header := http.Header{}
		if err := json.Unmarshal([]byte(headers.String), &header); err != nil {
			return Entry{}, false, err
		}
		entry.Header = header
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, entry Entry) error {
	var headers any
	if len(entry.Header) > 0 {
		data, err := json.Marshal(entry.Header)
		if err != nil {
			return err
		}
		headers = string(data)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (partition, key, version, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition, key)
		DO UPDATE SET version = excluded.version, status = excluded.status,
			headers = excluded.headers, body = excluded.body, stored_at = excluded.stored_at`,
		string(entry.Partition), entry.Key, entry.Version, entry.Status, headers, entry.Body, storedAt.UnixMilli())
	return err
}

func (s *sqliteStore) Purge(ctx context.Context, keepVersion string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE version != ?`, keepVersion)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
