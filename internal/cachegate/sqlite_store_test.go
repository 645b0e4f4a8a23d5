package cachegate

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	header := http.Header{}
	header.Set("Content-Type", "text/css")
	entry := Entry{
		Partition: PartitionStatic,
		Key:       "GET http://app.local/static/app.css",
		Version:   "v1",
		Status:    200,
		Header:    header,
		Body:      []byte("body{color:red}"),
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok, err := store.Get(ctx, PartitionStatic, entry.Key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a hit")
	}
	if got.Version != "v1" || got.Status != 200 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if string(got.Body) != "body{color:red}" {
		t.Fatalf("unexpected body %q", got.Body)
	}
	if got.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("expected headers restored, got %v", got.Header)
	}
	if got.StoredAt.IsZero() {
		t.Fatalf("expected a stored-at timestamp")
	}

	// Same partition and key: the newer entry supersedes.
	entry.Body = []byte("body{color:blue}")
	entry.Version = "v2"
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, ok, err = store.Get(ctx, PartitionStatic, entry.Key)
	if err != nil || !ok {
		t.Fatalf("get after overwrite failed: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "body{color:blue}" || got.Version != "v2" {
		t.Fatalf("expected superseding entry, got %+v", got)
	}

	// Same key under the other partition is a distinct entry.
	if _, ok, _ := store.Get(ctx, PartitionDynamic, entry.Key); ok {
		t.Fatalf("partitions must not share entries")
	}
}

func TestSQLiteStorePurgeKeepsCurrentVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := Entry{Partition: PartitionStatic, Key: "GET /a", Version: "v1", Status: 200}
	current := Entry{Partition: PartitionStatic, Key: "GET /b", Version: "v2", Status: 200}
	if err := store.Put(ctx, old); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, current); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Purge(ctx, "v2"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, PartitionStatic, "GET /a"); ok {
		t.Fatalf("expected the stale-version entry to be gone")
	}
	if _, ok, _ := store.Get(ctx, PartitionStatic, "GET /b"); !ok {
		t.Fatalf("expected the current-version entry to survive")
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	memory, err := BuildStoreFromDSN("memory:")
	if err != nil {
		t.Fatalf("memory: should build: %v", err)
	}
	if _, ok := memory.(*memoryStore); !ok {
		t.Fatalf("expected memory store, got %T", memory)
	}

	blank, err := BuildStoreFromDSN("")
	if err != nil {
		t.Fatalf("blank dsn should default to memory: %v", err)
	}
	if _, ok := blank.(*memoryStore); !ok {
		t.Fatalf("expected memory store for blank dsn, got %T", blank)
	}

	path := filepath.Join(t.TempDir(), "cache.db")
	durable, err := BuildStoreFromDSN("sqlite:" + path)
	if err != nil {
		t.Fatalf("sqlite: should build: %v", err)
	}
	defer durable.Close()
	if _, ok := durable.(*sqliteStore); !ok {
		t.Fatalf("expected sqlite store, got %T", durable)
	}

	if _, err := BuildStoreFromDSN("redis://localhost"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildStoreFromDSN("weird://x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegisteredStoreFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryStore()
	RegisterStoreFactory("redis", func(dsn string) (Store, error) {
		return custom, nil
	})
	defer func() {
		storeFactoryRegistry.mu.Lock()
		delete(storeFactoryRegistry.factories, "redis")
		storeFactoryRegistry.mu.Unlock()
	}()

	store, err := BuildStoreFromDSN("redis://localhost")
	if err != nil {
		t.Fatalf("registered factory failed: %v", err)
	}
	if store != custom {
		t.Fatalf("expected the registered backend, got %T", store)
	}
}
