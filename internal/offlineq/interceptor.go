package offlineq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TransportOptions struct {
	Inner     http.RoundTripper
	Queue     QueueStore
	Monitor   *Monitor
	APIPrefix string
	Notifier  Notifier
	Logger    Logger
}

// Transport wraps an HTTP transport so that mutating API calls made while
// offline are queued instead of failed. Queued calls complete with a synthetic
// 202 response so callers need no offline-aware branching.
type Transport struct {
	inner     http.RoundTripper
	queue     QueueStore
	monitor   *Monitor
	apiPrefix string
	notifier  Notifier
	logger    Logger
}

func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	inner := opts.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	apiPrefix := strings.TrimSpace(opts.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	return &Transport{
		inner:     inner,
		queue:     opts.Queue,
		monitor:   opts.Monitor,
		apiPrefix: apiPrefix,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
	}, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	divertable := isMutating(req.Method) && t.isAPIRoute(req.URL.Path)
	if !divertable {
		return t.inner.RoundTrip(req)
	}

	body, err := bufferRequestBody(req)
	if err != nil {
		return nil, err
	}

	if !t.monitor.Online() {
		return t.divert(req, body)
	}

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		// A network-level failure with no response is indistinguishable
		// from sustained offline state at call time; treat it as
		// retroactive-offline and queue the call.
		t.monitor.SetOnline(false)
		return t.divert(req, body)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		alert(t.notifier, t.logger,
			fmt.Sprintf("Server error (%d) on %s %s.", resp.StatusCode, req.Method, req.URL.Path),
			SeverityDanger, 5*time.Second)
	}
	return resp, nil
}

func (t *Transport) isAPIRoute(path string) bool {
	return strings.HasPrefix(path, t.apiPrefix)
}

func (t *Transport) divert(req *http.Request, body []byte) (*http.Response, error) {
	rec := QueuedRequest{
		Method:     strings.ToUpper(req.Method),
		URL:        req.URL.RequestURI(),
		Headers:    flattenHeaders(req.Header),
		EnqueuedAt: time.Now().UTC(),
	}
	if isJSONContentType(req.Header.Get("Content-Type")) && json.Valid(body) && len(body) > 0 {
		rec.Data = json.RawMessage(append([]byte(nil), body...))
	} else if len(body) > 0 {
		rec.Raw = append([]byte(nil), body...)
	}
	rec.Headers[IdempotencyHeader] = uuid.NewString()

	if _, err := t.queue.Enqueue(req.Context(), rec); err != nil {
		// Losing an offline mutation silently is a correctness bug:
		// the storage failure propagates to the caller.
		alert(t.notifier, t.logger, "Failed to store offline request.", SeverityDanger, 5*time.Second)
		return nil, err
	}
	alert(t.notifier, t.logger,
		"No connection: request stored and will be synced automatically.",
		SeverityWarning, 4*time.Second)
	return syntheticAccepted(req), nil
}

func syntheticAccepted(req *http.Request) *http.Response {
	body := []byte(`{"queued":true}`)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func bufferRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

func isMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func isJSONContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return contentType == "application/json" || strings.HasSuffix(contentType, "+json")
}

func flattenHeaders(header http.Header) map[string]string {
	flat := map[string]string{}
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		flat[name] = values[0]
	}
	return flat
}
