package offlineq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type SyncerOptions struct {
	Queue      QueueStore
	Monitor    *Monitor
	BaseURL    string
	BulkPath   string
	HTTPClient *http.Client
	Notifier   Notifier
	Logger     Logger
}

// Syncer drains the queue once connectivity returns: one bulk attempt first,
// then per-item replay when the bulk endpoint itself is unavailable. Flush is
// deliberately not guarded against re-entrancy; overlapping flushes are made
// safe by idempotent deletes and the per-record idempotency key.
type Syncer struct {
	queue      QueueStore
	monitor    *Monitor
	baseURL    string
	bulkPath   string
	httpClient *http.Client
	notifier   Notifier
	logger     Logger

	statsMu     sync.Mutex
	lastFlushAt time.Time
	lastSynced  int
}

type FlushResult struct {
	Synced int `json:"synced"`
}

// SyncStatus is a point-in-time snapshot for status surfaces.
type SyncStatus struct {
	Online      bool       `json:"online"`
	QueueDepth  int        `json:"queueDepth"`
	LastFlushAt *time.Time `json:"lastFlushAt,omitempty"`
	LastSynced  int        `json:"lastSynced"`
}

type bulkSyncItem struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type bulkSyncRequest struct {
	Requests []bulkSyncItem `json:"requests"`
}

type bulkSyncResponse struct {
	Results []struct {
		OK bool `json:"ok"`
	} `json:"results"`
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	bulkPath := strings.TrimSpace(opts.BulkPath)
	if bulkPath == "" {
		bulkPath = "/api/sync/bulk"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Syncer{
		queue:      opts.Queue,
		monitor:    opts.Monitor,
		baseURL:    baseURL,
		bulkPath:   bulkPath,
		httpClient: httpClient,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
	}, nil
}

// Run flushes on every offline-to-online transition until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	online, cancel := s.monitor.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-online:
			if _, err := s.Flush(ctx); err != nil {
				s.logf("flush after online transition failed: %v", err)
			}
		}
	}
}

func (s *Syncer) Flush(ctx context.Context) (FlushResult, error) {
	if !s.monitor.Online() {
		alert(s.notifier, s.logger,
			"No connection. The queue will be synced when it returns.",
			SeverityWarning, 3*time.Second)
		return FlushResult{}, nil
	}

	queued, err := s.queue.ListAll(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	if len(queued) == 0 {
		return FlushResult{}, nil
	}

	synced, bulkErr := s.flushBulk(ctx, queued)
	if bulkErr != nil {
		s.logf("bulk sync unavailable, replaying items individually: %v", bulkErr)
		synced = s.flushPerItem(ctx, queued)
	}

	if synced > 0 {
		alert(s.notifier, s.logger,
			fmt.Sprintf("%d requests synced successfully.", synced),
			SeveritySuccess, 4*time.Second)
	}
	s.recordFlush(synced)
	return FlushResult{Synced: synced}, nil
}

// flushBulk submits the whole batch in queue order. An outright failure of the
// bulk call returns an error wrapping ErrBulkSyncUnavailable and must not be
// read as partial success.
func (s *Syncer) flushBulk(ctx context.Context, queued []QueuedRequest) (int, error) {
	payload := bulkSyncRequest{Requests: make([]bulkSyncItem, 0, len(queued))}
	for _, item := range queued {
		payload.Requests = append(payload.Requests, bulkSyncItem{
			Method:  item.Method,
			URL:     item.URL,
			Data:    bulkData(item),
			Headers: item.Headers,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBulkSyncUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.bulkPath, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBulkSyncUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBulkSyncUnavailable, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrBulkSyncUnavailable, readErr)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%w: status %d", ErrBulkSyncUnavailable, resp.StatusCode)
	}
	var decoded bulkSyncResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBulkSyncUnavailable, err)
	}

	synced := 0
	for i, result := range decoded.Results {
		if i >= len(queued) {
			break
		}
		if !result.OK {
			continue
		}
		if err := s.queue.Remove(ctx, queued[i].ID); err != nil {
			s.logf("failed to remove synced record %d: %v", queued[i].ID, err)
			continue
		}
		synced++
	}
	return synced, nil
}

// flushPerItem replays records individually in enqueue order. Server-rejected
// items stay queued with a notification; network failures stay queued silently
// since connectivity dropping again mid-flush is expected.
func (s *Syncer) flushPerItem(ctx context.Context, queued []QueuedRequest) int {
	synced := 0
	for _, item := range queued {
		if err := s.replayItem(ctx, item); err != nil {
			if errors.Is(err, ErrServerRejected) {
				s.logf("replay of %s rejected: %v", item.URL, err)
				alert(s.notifier, s.logger,
					"Server error while syncing. Will retry later.",
					SeverityDanger, 5*time.Second)
			} else {
				s.logf("keeping record %d queued: %v", item.ID, err)
			}
			continue
		}
		if err := s.queue.Remove(ctx, item.ID); err != nil {
			s.logf("failed to remove synced record %d: %v", item.ID, err)
			continue
		}
		synced++
	}
	return synced
}

// replayItem reissues one record against the origin. A transport failure wraps
// ErrConnectivityDown; an error-status response wraps ErrServerRejected.
func (s *Syncer) replayItem(ctx context.Context, item QueuedRequest) error {
	req, err := s.buildReplayRequest(ctx, item)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivityDown, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &ServerError{StatusCode: resp.StatusCode, Message: item.Method + " " + item.URL}
	}
	return nil
}

func (s *Syncer) buildReplayRequest(ctx context.Context, item QueuedRequest) (*http.Request, error) {
	var body io.Reader
	switch {
	case len(item.Data) > 0:
		body = bytes.NewReader(item.Data)
	case len(item.Raw) > 0:
		body = bytes.NewReader(item.Raw)
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, s.baseURL+item.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}
	if len(item.Data) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *Syncer) Status() SyncStatus {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	status := SyncStatus{
		Online:     s.monitor.Online(),
		QueueDepth: s.queue.Depth(),
		LastSynced: s.lastSynced,
	}
	if !s.lastFlushAt.IsZero() {
		flushedAt := s.lastFlushAt
		status.LastFlushAt = &flushedAt
	}
	return status
}

func (s *Syncer) recordFlush(synced int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.lastFlushAt = time.Now().UTC()
	s.lastSynced = synced
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func bulkData(item QueuedRequest) json.RawMessage {
	if len(item.Data) > 0 {
		return item.Data
	}
	if len(item.Raw) > 0 {
		encoded, err := json.Marshal(item.Raw)
		if err != nil {
			return nil
		}
		return encoded
	}
	return nil
}
