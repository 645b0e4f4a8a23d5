package offlineq

import (
	"context"
	"sync"
	"time"
)

type memoryQueue struct {
	capacity int
	mu       sync.Mutex
	nextID   int64
	items    []QueuedRequest
}

// NewMemoryQueue builds a volatile queue. It exists for tests and for callers
// that explicitly opt out of durability; production deployments use one of the
// durable backends.
func NewMemoryQueue(capacity int) QueueStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{
		capacity: capacity,
		nextID:   1,
		items:    []QueuedRequest{},
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, rec QueuedRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return 0, ErrQueueFull
	}
	rec.ID = q.nextID
	q.nextID++
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, rec)
	return rec.ID, nil
}

func (q *memoryQueue) ListAll(ctx context.Context) ([]QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedRequest(nil), q.items...), nil
}

func (q *memoryQueue) Remove(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) Close() error {
	return nil
}
