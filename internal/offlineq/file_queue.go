package offlineq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	nextID   int64
	items    []QueuedRequest
}

type fileQueueState struct {
	NextID int64           `json:"nextId"`
	Items  []QueuedRequest `json:"items"`
}

// NewFileQueue opens a JSON-file-backed queue at path, restoring any records
// persisted by a previous run.
func NewFileQueue(path string, capacity int) (QueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileQueue{
		path:     path,
		capacity: capacity,
		nextID:   1,
		items:    []QueuedRequest{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) Enqueue(ctx context.Context, rec QueuedRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return 0, ErrQueueFull
	}
	rec.ID = q.nextID
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	q.nextID++
	q.items = append(q.items, rec)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.nextID--
		return 0, &StorageError{Op: "enqueue", Err: err}
	}
	return rec.ID, nil
}

func (q *fileQueue) ListAll(ctx context.Context) ([]QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedRequest(nil), q.items...), nil
}

func (q *fileQueue) Remove(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	index := -1
	for i, item := range q.items {
		if item.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}
	removed := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	if err := q.saveLocked(); err != nil {
		rest := append([]QueuedRequest(nil), q.items[index:]...)
		q.items = append(append(q.items[:index], removed), rest...)
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "load", Err: err}
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	q.items = append([]QueuedRequest(nil), snapshot.Items...)
	q.nextID = snapshot.NextID
	for _, item := range q.items {
		if item.ID >= q.nextID {
			q.nextID = item.ID + 1
		}
	}
	if q.nextID < 1 {
		q.nextID = 1
	}
	return nil
}

func (q *fileQueue) saveLocked() error {
	snapshot := fileQueueState{
		NextID: q.nextID,
		Items:  append([]QueuedRequest(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
