package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/offlineq/internal/offlineq"
	"github.com/agentworkforce/offlineq/internal/syncapi"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	MaxBodyBytes       int64
	EnableBulkEndpoint bool
	BulkPath           string
}

type ServerOptions struct {
	OriginURL string
	Transport http.RoundTripper
	Queue     offlineq.QueueStore
	Syncer    *offlineq.Syncer
	Monitor   *offlineq.Monitor
	Logger    Logger
	Config    ServerConfig
}

// Server fronts the origin application with the resilience transports and
// exposes the operational surface: queue inspection, manual flush, status,
// connectivity override and a live event feed.
type Server struct {
	proxy    *httputil.ReverseProxy
	bulk     http.Handler
	bulkPath string
	queue    offlineq.QueueStore
	syncer   *offlineq.Syncer
	monitor  *offlineq.Monitor
	logger   Logger
	cfg      ServerConfig
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if opts.Syncer == nil {
		return nil, fmt.Errorf("syncer is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("connectivity monitor is required")
	}
	origin, err := url.Parse(strings.TrimSpace(opts.OriginURL))
	if err != nil {
		return nil, err
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin url must be absolute")
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.BulkPath == "" {
		cfg.BulkPath = "/api/sync/bulk"
	}

	proxy := httputil.NewSingleHostReverseProxy(origin)
	if opts.Transport != nil {
		proxy.Transport = opts.Transport
	}
	logger := opts.Logger
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, proxyErr error) {
		if logger != nil {
			logger.Printf("proxy error for %s %s: %v", r.Method, r.URL.Path, proxyErr)
		}
		writeError(w, http.StatusBadGateway, "origin_unreachable", "origin did not respond")
	}

	s := &Server{
		proxy:    proxy,
		bulkPath: cfg.BulkPath,
		queue:    opts.Queue,
		syncer:   opts.Syncer,
		monitor:  opts.Monitor,
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.EnableBulkEndpoint {
		bulk, err := syncapi.NewBulkHandler(syncapi.BulkOptions{
			App:          http.HandlerFunc(s.forward),
			MaxBodyBytes: cfg.MaxBodyBytes,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		s.bulk = bulk
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/internal/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	case r.URL.Path == "/internal/flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r)
	case r.URL.Path == "/internal/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.syncer.Status())
	case r.URL.Path == "/internal/online" && r.Method == http.MethodPost:
		s.handleOnline(w, r)
	case r.URL.Path == "/internal/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	case s.bulk != nil && r.URL.Path == s.bulkPath && r.Method == http.MethodPost:
		s.bulk.ServeHTTP(w, r)
	default:
		s.proxy.ServeHTTP(w, r)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.ListAll(r.Context())
	if err != nil {
		s.logf("queue listing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage_failure", "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"depth": len(items),
		"items": items,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.Flush(r.Context())
	if err != nil {
		s.logf("manual flush failed: %v", err)
		writeError(w, http.StatusInternalServerError, "flush_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var payload struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "expected {\"online\": bool}")
		return
	}
	s.monitor.SetOnline(payload.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": payload.Online})
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
}
