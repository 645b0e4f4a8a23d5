package offlineq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteQueueRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewSQLiteQueue(path, 16)
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()
	id, err := queue.Enqueue(ctx, QueuedRequest{
		Method: "PATCH",
		URL:    "/api/pages/7",
		Data:   []byte(`{"title":"draft"}`),
		Headers: map[string]string{
			IdempotencyHeader: "key-7",
			"Content-Type":    "application/json",
		},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id < 1 {
		t.Fatalf("expected positive id, got %d", id)
	}
	rawID, err := queue.Enqueue(ctx, QueuedRequest{
		Method: "POST",
		URL:    "/api/uploads",
		Raw:    []byte{0x1f, 0x8b, 0x00},
	})
	if err != nil {
		t.Fatalf("enqueue raw failed: %v", err)
	}

	items, err := queue.ListAll(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected two records, got %d", len(items))
	}
	if items[0].ID != id || items[1].ID != rawID {
		t.Fatalf("expected enqueue order, got ids %d,%d", items[0].ID, items[1].ID)
	}
	if string(items[0].Data) != `{"title":"draft"}` {
		t.Fatalf("expected data preserved, got %s", items[0].Data)
	}
	if items[0].Headers[IdempotencyHeader] != "key-7" {
		t.Fatalf("expected headers preserved, got %+v", items[0].Headers)
	}
	if len(items[1].Raw) != 3 || items[1].Raw[0] != 0x1f {
		t.Fatalf("expected opaque body preserved, got %v", items[1].Raw)
	}
	if items[0].EnqueuedAt.IsZero() {
		t.Fatalf("expected enqueue timestamp to be set")
	}

	if err := queue.Remove(ctx, id); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := queue.Remove(ctx, id); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewSQLiteQueue(path, 16)
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	ctx := context.Background()
	id, err := queue.Enqueue(ctx, QueuedRequest{Method: "POST", URL: "/api/items"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteQueue(path, 16)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	items, err := reopened.ListAll(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("expected one persisted record with id %d, got %+v", id, items)
	}
}

func TestSQLiteQueueCapacityLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	queue, err := NewSQLiteQueue(path, 1)
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	defer queue.Close()
	ctx := context.Background()
	if _, err := queue.Enqueue(ctx, QueuedRequest{Method: "POST", URL: "/api/items"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue(ctx, QueuedRequest{Method: "POST", URL: "/api/items"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
