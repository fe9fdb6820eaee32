package remotestore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/meterbook/meterbook/internal/storage"
)

type DocumentStoreFactory func(dsn, token string) (DocumentStore, error)

var documentFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DocumentStoreFactory
}{
	factories: map[string]DocumentStoreFactory{},
}

func RegisterDocumentStoreFactory(scheme string, factory DocumentStoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	documentFactoryRegistry.mu.Lock()
	defer documentFactoryRegistry.mu.Unlock()
	documentFactoryRegistry.factories[scheme] = factory
}

func lookupDocumentStoreFactory(scheme string) (DocumentStoreFactory, bool) {
	documentFactoryRegistry.mu.RLock()
	defer documentFactoryRegistry.mu.RUnlock()
	factory, ok := documentFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildDocumentStoreFromDSN opens the remote medium named by dsn. An empty dsn
// means no remote is configured and yields nil, nil. token is only used by
// the HTTP client.
func BuildDocumentStoreFromDSN(dsn, token string) (DocumentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupDocumentStoreFactory(scheme); ok {
		return factory(dsn, token)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryDocuments(), nil
	case "postgres", "postgresql":
		return NewPostgresDocuments(dsn)
	case "http", "https":
		return NewHTTPDocuments(dsn, token, nil), nil
	case "firestore":
		return nil, fmt.Errorf("%w: document store %s", storage.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}
