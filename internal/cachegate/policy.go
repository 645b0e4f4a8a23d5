package cachegate

import (
	"net/http"
	"strings"
)

type Strategy int

const (
	// StrategyBypass passes the request through uncached: cross-origin
	// traffic and mutating API calls (those belong to the offline queue).
	StrategyBypass Strategy = iota
	// StrategyNetworkFirst serves navigations live, falling back to the
	// cached offline page.
	StrategyNetworkFirst
	// StrategyCacheFirst serves static local assets from cache when present.
	StrategyCacheFirst
	// StrategyStaleWhileRevalidate serves cached API reads immediately while
	// refreshing the dynamic partition in the background.
	StrategyStaleWhileRevalidate
)

// Policy classifies requests by shape into one of the fetch strategies.
type Policy struct {
	OriginHost   string
	StaticPrefix string
	APIPrefix    string
}

func (p Policy) Classify(req *http.Request) Strategy {
	if isNavigation(req) {
		return StrategyNetworkFirst
	}
	if !p.sameOrigin(req) {
		return StrategyBypass
	}
	path := req.URL.Path
	if strings.HasPrefix(path, p.StaticPrefix) {
		return StrategyCacheFirst
	}
	if strings.HasPrefix(path, p.APIPrefix) && req.Method == http.MethodGet {
		return StrategyStaleWhileRevalidate
	}
	return StrategyBypass
}

func (p Policy) sameOrigin(req *http.Request) bool {
	host := req.URL.Host
	if host == "" {
		return true
	}
	return strings.EqualFold(host, p.OriginHost)
}

// isNavigation detects full-page loads: browsers flag them with
// Sec-Fetch-Mode, older clients are recognized by a GET asking for HTML.
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
