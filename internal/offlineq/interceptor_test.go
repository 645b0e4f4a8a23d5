package offlineq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recordingNotifier struct {
	messages   []string
	severities []Severity
}

func (n *recordingNotifier) Alert(message string, severity Severity, duration time.Duration) {
	n.messages = append(n.messages, message)
	n.severities = append(n.severities, severity)
}

func newTestTransport(t *testing.T, inner http.RoundTripper, online bool) (*Transport, QueueStore, *Monitor, *recordingNotifier) {
	t.Helper()
	queue := NewMemoryQueue(16)
	monitor := NewMonitor(online)
	notifier := &recordingNotifier{}
	transport, err := NewTransport(TransportOptions{
		Inner:    inner,
		Queue:    queue,
		Monitor:  monitor,
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("build transport failed: %v", err)
	}
	return transport, queue, monitor, notifier
}

func TestTransportQueuesMutationWhileOffline(t *testing.T) {
	inner := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("offline request must not reach the network")
		return nil, nil
	})
	transport, queue, _, notifier := newTestTransport(t, inner, false)

	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/orders", strings.NewReader(`{"qty":5}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected synthetic 202, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var decoded map[string]bool
	if err := json.Unmarshal(body, &decoded); err != nil || !decoded["queued"] {
		t.Fatalf("expected {\"queued\":true} body, got %s", body)
	}

	items, err := queue.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one queued record, got %d", len(items))
	}
	rec := items[0]
	if rec.Method != "POST" || rec.URL != "/api/orders" {
		t.Fatalf("unexpected record %s %s", rec.Method, rec.URL)
	}
	if string(rec.Data) != `{"qty":5}` {
		t.Fatalf("expected parsed JSON body, got %q", rec.Data)
	}
	if rec.Headers[IdempotencyHeader] == "" {
		t.Fatalf("expected an idempotency key on the stored record")
	}
	if len(notifier.messages) == 0 || notifier.severities[0] != SeverityWarning {
		t.Fatalf("expected a queued-offline warning, got %+v", notifier.messages)
	}
}

func TestTransportQueuesRetroactivelyOnNetworkError(t *testing.T) {
	inner := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	transport, queue, monitor, _ := newTestTransport(t, inner, true)

	req := httptest.NewRequest(http.MethodPut, "http://app.local/api/pages/3", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected diverted response, got error %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected synthetic 202, got %d", resp.StatusCode)
	}
	if monitor.Online() {
		t.Fatalf("expected the failure to flip the monitor offline")
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected one queued record, got %d", depth)
	}
}

func TestTransportPassesThroughReadsAndForeignRoutes(t *testing.T) {
	calls := 0
	inner := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	transport, queue, _, _ := newTestTransport(t, inner, false)

	// GET bypasses the queue entirely, even offline on an API route.
	get := httptest.NewRequest(http.MethodGet, "http://app.local/api/orders", nil)
	if _, err := transport.RoundTrip(get); err != nil {
		t.Fatalf("get passthrough failed: %v", err)
	}
	// Mutations outside the API prefix are not resilience-managed.
	form := httptest.NewRequest(http.MethodPost, "http://app.local/login", strings.NewReader("user=x"))
	if _, err := transport.RoundTrip(form); err != nil {
		t.Fatalf("non-api passthrough failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected both requests to hit the inner transport, got %d", calls)
	}
	if depth := queue.Depth(); depth != 0 {
		t.Fatalf("expected nothing queued, got %d", depth)
	}
}

func TestTransportStoresNonJSONBodyOpaque(t *testing.T) {
	transport, queue, _, _ := newTestTransport(t, nil, false)
	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/uploads", strings.NewReader("raw-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	if _, err := transport.RoundTrip(req); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	items, _ := queue.ListAll(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected one record, got %d", len(items))
	}
	if len(items[0].Data) != 0 {
		t.Fatalf("expected no parsed body for opaque payload")
	}
	if string(items[0].Raw) != "raw-bytes" {
		t.Fatalf("expected raw body preserved, got %q", items[0].Raw)
	}
}

func TestTransportPropagatesEnqueueFailure(t *testing.T) {
	queue := &failingQueue{}
	monitor := NewMonitor(false)
	notifier := &recordingNotifier{}
	transport, err := NewTransport(TransportOptions{Queue: queue, Monitor: monitor, Notifier: notifier})
	if err != nil {
		t.Fatalf("build transport failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodDelete, "http://app.local/api/orders/1", nil)
	if _, err := transport.RoundTrip(req); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error to propagate, got %v", err)
	}
	if len(notifier.severities) == 0 || notifier.severities[0] != SeverityDanger {
		t.Fatalf("expected a danger alert on storage failure")
	}
}

func TestTransportAlertsOnServerError(t *testing.T) {
	inner := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: http.NoBody}, nil
	})
	transport, queue, _, notifier := newTestTransport(t, inner, true)
	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/orders", strings.NewReader(`{}`))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("server errors pass through, got %d", resp.StatusCode)
	}
	if depth := queue.Depth(); depth != 0 {
		t.Fatalf("server errors must not queue, got depth %d", depth)
	}
	if len(notifier.severities) == 0 || notifier.severities[0] != SeverityDanger {
		t.Fatalf("expected a danger alert for the server error")
	}
}

func TestTransportAssignsDistinctIdempotencyKeys(t *testing.T) {
	transport, queue, _, _ := newTestTransport(t, nil, false)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "http://app.local/api/orders", strings.NewReader(`{"qty":1}`))
		req.Header.Set("Content-Type", "application/json")
		if _, err := transport.RoundTrip(req); err != nil {
			t.Fatalf("round trip %d failed: %v", i, err)
		}
	}
	items, _ := queue.ListAll(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected two records, got %d", len(items))
	}
	if items[0].Headers[IdempotencyHeader] == items[1].Headers[IdempotencyHeader] {
		t.Fatalf("each enqueue must get its own idempotency key")
	}
}

type failingQueue struct{}

func (q *failingQueue) Enqueue(ctx context.Context, rec QueuedRequest) (int64, error) {
	return 0, &StorageError{Op: "enqueue", Err: errors.New("disk full")}
}

func (q *failingQueue) ListAll(ctx context.Context) ([]QueuedRequest, error) {
	return nil, &StorageError{Op: "list", Err: errors.New("disk full")}
}

func (q *failingQueue) Remove(ctx context.Context, id int64) error {
	return &StorageError{Op: "remove", Err: errors.New("disk full")}
}

func (q *failingQueue) Depth() int { return 0 }

func (q *failingQueue) Close() error { return nil }
