package cachegate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Inner        http.RoundTripper
	Store        Store
	BaseURL      string
	Version      string
	StaticPrefix string
	APIPrefix    string
	OfflinePath  string
	Precache     []string
	Logger       Logger
}

// Gate is the boundary proxy between the application and the network. It
// applies one of three fetch strategies by request shape and keeps two
// versioned cache partitions; everything else passes through uncached.
type Gate struct {
	inner       http.RoundTripper
	store       Store
	base        *url.URL
	version     string
	policy      Policy
	offlinePath string
	precache    []string
	logger      Logger
}

func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	inner := opts.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "v1"
	}
	staticPrefix := strings.TrimSpace(opts.StaticPrefix)
	if staticPrefix == "" {
		staticPrefix = "/static/"
	}
	apiPrefix := strings.TrimSpace(opts.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	offlinePath := strings.TrimSpace(opts.OfflinePath)
	if offlinePath == "" {
		offlinePath = "/offline"
	}
	g := &Gate{
		inner:   inner,
		store:   opts.Store,
		base:    base,
		version: version,
		policy: Policy{
			OriginHost:   base.Host,
			StaticPrefix: staticPrefix,
			APIPrefix:    apiPrefix,
		},
		offlinePath: offlinePath,
		precache:    append([]string(nil), opts.Precache...),
		logger:      opts.Logger,
	}
	// Activation: drop every entry stored under an older version tag.
	if err := g.store.Purge(context.Background(), g.version); err != nil {
		return nil, err
	}
	return g, nil
}

// Install precaches the asset manifest into the static partition. Any failed
// fetch fails the install, mirroring an all-or-nothing precache.
func (g *Gate) Install(ctx context.Context) error {
	for _, raw := range g.precache {
		target, err := g.resolve(raw)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		resp, err := g.inner.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		entry, _, err := g.snapshot(PartitionStatic, cacheKeyURL(http.MethodGet, target), resp)
		if err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
		if entry.Status >= 400 {
			return fmt.Errorf("precache %s: status %d", raw, entry.Status)
		}
		if err := g.store.Put(ctx, entry); err != nil {
			return fmt.Errorf("precache %s: %w", raw, err)
		}
	}
	return nil
}

func (g *Gate) RoundTrip(req *http.Request) (*http.Response, error) {
	switch g.policy.Classify(req) {
	case StrategyNetworkFirst:
		return g.networkFirst(req)
	case StrategyCacheFirst:
		return g.cacheFirst(req)
	case StrategyStaleWhileRevalidate:
		return g.staleWhileRevalidate(req)
	default:
		return g.inner.RoundTrip(req)
	}
}

func (g *Gate) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := g.inner.RoundTrip(req)
	if err == nil {
		entry, restored, snapErr := g.snapshot(PartitionDynamic, cacheKey(req), resp)
		if snapErr != nil {
			return nil, snapErr
		}
		if putErr := g.store.Put(req.Context(), entry); putErr != nil {
			g.logf("failed to cache navigation %s: %v", req.URL.Path, putErr)
		}
		return restored, nil
	}
	if fallback, ok := g.lookupOfflineFallback(req); ok {
		return fallback, nil
	}
	return nil, err
}

func (g *Gate) cacheFirst(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)
	if entry, ok := g.lookup(req.Context(), PartitionStatic, key); ok {
		return entryResponse(entry, req), nil
	}
	resp, err := g.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	entry, restored, snapErr := g.snapshot(PartitionStatic, key, resp)
	if snapErr != nil {
		return nil, snapErr
	}
	if putErr := g.store.Put(req.Context(), entry); putErr != nil {
		g.logf("failed to cache asset %s: %v", req.URL.Path, putErr)
	}
	return restored, nil
}

func (g *Gate) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)
	if entry, ok := g.lookup(req.Context(), PartitionDynamic, key); ok {
		go g.revalidate(req, key)
		return entryResponse(entry, req), nil
	}
	resp, err := g.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	entry, restored, snapErr := g.snapshot(PartitionDynamic, key, resp)
	if snapErr != nil {
		return nil, snapErr
	}
	if putErr := g.store.Put(req.Context(), entry); putErr != nil {
		g.logf("failed to cache api read %s: %v", req.URL.Path, putErr)
	}
	return restored, nil
}

// revalidate refreshes the dynamic partition for the next request. It runs
// detached from the original request's context on purpose: the caller already
// has its response.
func (g *Gate) revalidate(req *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fresh := req.Clone(ctx)
	fresh.Body = nil
	resp, err := g.inner.RoundTrip(fresh)
	if err != nil {
		return
	}
	entry, restored, err := g.snapshot(PartitionDynamic, key, resp)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, restored.Body)
	_ = restored.Body.Close()
	if err := g.store.Put(ctx, entry); err != nil {
		g.logf("failed to refresh api read %s: %v", req.URL.Path, err)
	}
}

func (g *Gate) lookup(ctx context.Context, partition Partition, key string) (Entry, bool) {
	entry, ok, err := g.store.Get(ctx, partition, key)
	if err != nil {
		g.logf("cache read failed for %s: %v", key, err)
		return Entry{}, false
	}
	return entry, ok
}

func (g *Gate) lookupOfflineFallback(req *http.Request) (*http.Response, bool) {
	for _, path := range []string{g.offlinePath, "/"} {
		target, err := g.resolve(path)
		if err != nil {
			continue
		}
		key := cacheKeyURL(http.MethodGet, target)
		if entry, ok := g.lookup(req.Context(), PartitionStatic, key); ok {
			return entryResponse(entry, req), true
		}
		if entry, ok := g.lookup(req.Context(), PartitionDynamic, key); ok {
			return entryResponse(entry, req), true
		}
	}
	return nil, false
}

func (g *Gate) resolve(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return g.base.ResolveReference(parsed), nil
}

func (g *Gate) snapshot(partition Partition, key string, resp *http.Response) (Entry, *http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return Entry{}, nil, err
	}
	entry := Entry{
		Partition: partition,
		Key:       key,
		Version:   g.version,
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		StoredAt:  time.Now().UTC(),
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return entry, resp, nil
}

func (g *Gate) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

func cacheKey(req *http.Request) string {
	return cacheKeyURL(req.Method, req.URL)
}

func cacheKeyURL(method string, target *url.URL) string {
	clone := *target
	clone.Fragment = ""
	return strings.ToUpper(method) + " " + clone.String()
}

func entryResponse(entry Entry, req *http.Request) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
