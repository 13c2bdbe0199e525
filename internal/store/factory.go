package store

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factory opens a Store for a DSN whose scheme it was registered under.
type Factory func(dsn string) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register adds or replaces the factory for scheme.
func Register(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

// Build opens the store described by dsn:
//
//	""  memory://          process-local store
//	sqlite:///var/lib/ds.db
//	sqlite::memory:        private in-memory SQLite
//	/var/lib/ds.db         bare paths are SQLite files
func Build(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	if dsn == "sqlite::memory:" {
		return NewSQLite(":memory:")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file", "sqlite", "sqlite3":
		path := dsnPath(parsed, dsn)
		if path == "" {
			return nil, fmt.Errorf("%w: store dsn %q has no path", ErrInvalidInput, dsn)
		}
		s, err := NewSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return raw
	}
	if path := strings.TrimSpace(parsed.Path); path != "" {
		return path
	}
	if opaque := strings.TrimSpace(parsed.Opaque); opaque != "" {
		return opaque
	}
	return strings.TrimSpace(parsed.Host)
}
