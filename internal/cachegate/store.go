package cachegate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Partition string

const (
	// PartitionStatic holds long-lived local assets, populated by Install
	// and lazily on first fetch.
	PartitionStatic Partition = "static"
	// PartitionDynamic holds navigations and API read responses, populated
	// opportunistically.
	PartitionDynamic Partition = "dynamic"
)

// Entry is one cached response. Entries carry the partition version tag they
// were stored under; activation purges every entry with a stale tag.
type Entry struct {
	Partition Partition   `json:"partition"`
	Key       string      `json:"key"`
	Version   string      `json:"version"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"storedAt"`
}

// Store persists cache entries. Put supersedes any previous entry under the
// same partition and key; there is no per-entry expiry.
type Store interface {
	Get(ctx context.Context, partition Partition, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Purge(ctx context.Context, keepVersion string) error
	Close() error
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() Store {
	return &memoryStore{entries: map[string]Entry{}}
}

func (s *memoryStore) Get(ctx context.Context, partition Partition, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(partition, key)]
	return entry, ok, nil
}

func (s *memoryStore) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey(entry.Partition, entry.Key)] = entry
	return nil
}

func (s *memoryStore) Purge(ctx context.Context, keepVersion string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.Version != keepVersion {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func entryKey(partition Partition, key string) string {
	return string(partition) + "\x00" + key
}
