package syncapi

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	replayStatusProcessing = "processing"
	replayStatusCompleted  = "completed"
)

type replayEntry struct {
	status    string
	bodyHash  string
	code      int
	header    http.Header
	body      []byte
	createdAt time.Time
}

// ReplayCache remembers responses by idempotency key so the queue can safely
// replay the same mutation more than once. Entries expire after TTL; a body
// hash mismatch under the same key is rejected as a conflict.
type ReplayCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]replayEntry
}

func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayCache{
		ttl:     ttl,
		entries: map[string]replayEntry{},
	}
}

// Middleware guards mutating requests carrying an idempotency key: the first
// successful response is cached and replayed for duplicates, concurrent
// duplicates are rejected, and failed attempts may be retried.
func (c *ReplayCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || !isMutatingMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := r.Method + " " + r.URL.Path + " " + key

		var bodyHash string
		if r.Body != nil {
			body, err := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			bodyHash = hashBody(body)
		}

		entry, state := c.begin(cacheKey, bodyHash)
		switch state {
		case replayStateConflict:
			writeJSON(w, http.StatusUnprocessableEntity,
				map[string]string{"error": "idempotency key conflict: request body does not match previous request"})
			return
		case replayStateProcessing:
			writeJSON(w, http.StatusConflict,
				map[string]string{"error": "request is already being processed"})
			return
		case replayStateCompleted:
			for name, values := range entry.header {
				for _, value := range values {
					w.Header().Add(name, value)
				}
			}
			w.WriteHeader(entry.code)
			_, _ = w.Write(entry.body)
			return
		}

		rec := newResponseRecorder()
		next.ServeHTTP(rec, r)

		if rec.status < 400 {
			c.complete(cacheKey, bodyHash, rec)
		} else {
			c.forget(cacheKey)
		}
		for name, values := range rec.header {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.body.Bytes())
	})
}

type replayState int

const (
	replayStateNew replayState = iota
	replayStateProcessing
	replayStateCompleted
	replayStateConflict
)

func (c *ReplayCache) begin(key, bodyHash string) (replayEntry, replayState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	entry, ok := c.entries[key]
	if ok && now.Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.entries[key] = replayEntry{
			status:    replayStatusProcessing,
			bodyHash:  bodyHash,
			createdAt: now,
		}
		return replayEntry{}, replayStateNew
	}
	if bodyHash != "" && entry.bodyHash != "" && bodyHash != entry.bodyHash {
		return replayEntry{}, replayStateConflict
	}
	if entry.status == replayStatusProcessing {
		return replayEntry{}, replayStateProcessing
	}
	return entry, replayStateCompleted
}

func (c *ReplayCache) complete(key, bodyHash string, rec *responseRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = replayEntry{
		status:    replayStatusCompleted,
		bodyHash:  bodyHash,
		code:      rec.status,
		header:    rec.header.Clone(),
		body:      append([]byte(nil), rec.body.Bytes()...),
		createdAt: time.Now(),
	}
}

func (c *ReplayCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func hashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}
