package localcache

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/meterbook/meterbook/internal/storage"
)

type MediumFactory func(dsn string) (Medium, error)

var mediumFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]MediumFactory
}{
	factories: map[string]MediumFactory{},
}

// RegisterMediumFactory overrides how a DSN scheme is opened. Later
// registrations for the same scheme win.
func RegisterMediumFactory(scheme string, factory MediumFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	mediumFactoryRegistry.mu.Lock()
	defer mediumFactoryRegistry.mu.Unlock()
	mediumFactoryRegistry.factories[scheme] = factory
}

func lookupMediumFactory(scheme string) (MediumFactory, bool) {
	scheme = normalizeScheme(scheme)
	mediumFactoryRegistry.mu.RLock()
	defer mediumFactoryRegistry.mu.RUnlock()
	factory, ok := mediumFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildMediumFromDSN opens the medium named by dsn. A bare path is treated as
// a JSON file.
func BuildMediumFromDSN(dsn string) (Medium, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty local dsn", storage.ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupMediumFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileMedium(path)
	case "memory", "mem", "inmem":
		return NewMemoryMedium(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteMedium(path)
	case "indexeddb", "leveldb":
		return nil, fmt.Errorf("%w: local medium %s", storage.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported local medium scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", storage.ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://relative/dir/local.db
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", storage.ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
