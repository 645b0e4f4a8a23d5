// Package syncapi implements the server half of the offline queue protocol:
// the bulk replay endpoint and the idempotency replay guard.
package syncapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const IdempotencyHeader = "X-Idempotency-Key"

const bulkPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["requests"],
	"properties": {
		"requests": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["method", "url"],
				"properties": {
					"method": {"type": "string", "minLength": 1},
					"url": {"type": "string", "minLength": 1},
					"headers": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					}
				}
			}
		}
	}
}`

type SyncItem struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type BulkRequest struct {
	Requests []SyncItem `json:"requests"`
}

type ItemResult struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Body   any    `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

type BulkResponse struct {
	Success int          `json:"success"`
	Total   int          `json:"total"`
	Results []ItemResult `json:"results"`
}

type BulkOptions struct {
	App          http.Handler
	MaxItems     int
	MaxBodyBytes int64
	Logger       Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// BulkHandler processes queued requests in batch, dispatching each item
// sequentially against the application handler and reporting one result per
// item, aligned by index with the input array.
type BulkHandler struct {
	app          http.Handler
	schema       *jsonschema.Schema
	maxItems     int
	maxBodyBytes int64
	logger       Logger
}

func NewBulkHandler(opts BulkOptions) (*BulkHandler, error) {
	if opts.App == nil {
		return nil, fmt.Errorf("application handler is required")
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 256
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 4 << 20
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bulkPayloadSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("bulk.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("bulk.json")
	if err != nil {
		return nil, err
	}
	return &BulkHandler{
		app:          opts.App,
		schema:       schema,
		maxItems:     maxItems,
		maxBodyBytes: maxBodyBytes,
		logger:       opts.Logger,
	}, nil
}

func (h *BulkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	var payload BulkRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}
	if len(payload.Requests) > h.maxItems {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": fmt.Sprintf("batch exceeds %d items", h.maxItems)})
		return
	}

	response := BulkResponse{
		Total:   len(payload.Requests),
		Results: make([]ItemResult, 0, len(payload.Requests)),
	}
	for _, item := range payload.Requests {
		result := h.dispatch(r, item)
		if result.OK {
			response.Success++
		}
		response.Results = append(response.Results, result)
	}
	writeJSON(w, http.StatusOK, response)
}

// dispatch replays one queued item against the application. Ordering matters:
// items run sequentially so later mutations can depend on earlier ones.
func (h *BulkHandler) dispatch(r *http.Request, item SyncItem) ItemResult {
	method := strings.ToUpper(strings.TrimSpace(item.Method))
	if method == "" {
		method = http.MethodPost
	}
	if !strings.HasPrefix(item.URL, "/") {
		return ItemResult{
			OK:     false,
			Status: http.StatusBadRequest,
			URL:    item.URL,
			Error:  "invalid url; must start with /",
		}
	}
	// Handlers served via ServeHTTP must see a non-nil Body, so use
	// http.NoBody rather than a nil reader for bodyless items.
	var body io.Reader = http.NoBody
	if len(item.Data) > 0 {
		body = bytes.NewReader(item.Data)
	}
	req, err := http.NewRequestWithContext(r.Context(), method, item.URL, body)
	if err != nil {
		return ItemResult{OK: false, Status: http.StatusInternalServerError, URL: item.URL, Error: err.Error()}
	}
	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}
	if len(item.Data) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get(IdempotencyHeader) == "" {
		req.Header.Set(IdempotencyHeader, "bulk-"+uuid.NewString())
	}

	rec := newResponseRecorder()
	h.app.ServeHTTP(rec, req)

	result := ItemResult{
		OK:     rec.status < 400,
		Status: rec.status,
		URL:    item.URL,
		Method: method,
	}
	respBody := rec.body.Bytes()
	var decoded any
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
		result.Body = decoded
	} else if len(respBody) > 0 {
		result.Body = string(respBody)
	}
	if h.logger != nil && !result.OK {
		h.logger.Printf("bulk item %s %s failed: status %d", method, item.URL, rec.status)
	}
	return result
}

type responseRecorder struct {
	status      int
	wroteHeader bool
	header      http.Header
	body        bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		status: http.StatusOK,
		header: http.Header{},
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	return r.body.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
