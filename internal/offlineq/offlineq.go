package offlineq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrQueueFull           = errors.New("queue full")
	ErrNotImplemented      = errors.New("not implemented")
	ErrConnectivityDown    = errors.New("connectivity down")
	ErrBulkSyncUnavailable = errors.New("bulk sync unavailable")
	ErrServerRejected      = errors.New("server rejected")
	ErrStorage             = errors.New("storage failure")
)

// IdempotencyHeader carries the per-record replay deduplication token.
const IdempotencyHeader = "X-Idempotency-Key"

// QueuedRequest is one deferred mutating call. Data holds the body when it
// parsed as JSON; Raw holds it opaquely otherwise. IDs are assigned by the
// store, never by the caller.
type QueuedRequest struct {
	ID         int64             `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Raw        []byte            `json:"raw,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// QueueStore is the durable ordered collection of pending requests. ListAll
// returns records in insertion order; that order defines replay order. Remove
// is idempotent: removing an absent id is not an error.
type QueueStore interface {
	Enqueue(ctx context.Context, rec QueuedRequest) (int64, error)
	ListAll(ctx context.Context) ([]QueuedRequest, error)
	Remove(ctx context.Context, id int64) error
	Depth() int
	Close() error
}

type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServerRejected
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Notifier is the fire-and-forget UI signal collaborator.
type Notifier interface {
	Alert(message string, severity Severity, duration time.Duration)
}

type Logger interface {
	Printf(format string, args ...any)
}

// alert delivers a notification, degrading to the logger when no notifier is
// configured. Both may be nil.
func alert(n Notifier, l Logger, message string, severity Severity, duration time.Duration) {
	if n != nil {
		n.Alert(message, severity, duration)
		return
	}
	if l != nil {
		l.Printf("[%s] %s", severity, message)
	}
}
