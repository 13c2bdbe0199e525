package queue

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// Factory builds a queue for a DSN whose scheme it was registered under.
type Factory func(dsn, name string, capacity int) (Queue, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register adds or replaces the factory for scheme.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
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
	factory, ok := registry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// Build opens the named queue described by dsn. An empty dsn yields an
// in-memory queue. File DSNs name a directory; each queue gets
// <dir>/<name>.json.
func Build(dsn, name string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn, name, capacity)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFile(filepath.Join(dir, name+".json"), capacity)
	case "memory", "mem", "inmem":
		return NewMemory(capacity), nil
	case "postgres", "postgresql":
		q, err := NewPostgres(dsn, name, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "redis", "rediss":
		q, err := NewRedis(dsn, name, capacity)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
