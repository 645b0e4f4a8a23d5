package cachegate

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

// BuildStoreFromDSN selects a cache store backend by DSN scheme.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	storeFactoryRegistry.mu.RLock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	storeFactoryRegistry.mu.RUnlock()
	if ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file", "sqlite", "sqlite3":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if path == "" {
			path = strings.TrimSpace(dsn)
		}
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewSQLiteStore(path)
	case "redis", "rediss", "memcached":
		return nil, fmt.Errorf("%w: cache store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache store scheme: %s", scheme)
	}
}
