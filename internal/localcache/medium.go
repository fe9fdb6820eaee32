package localcache

import (
	"errors"
	"sort"
	"sync"
)

// Medium is a synchronous string key/value store that outlives the process,
// the equivalent of browser local storage.
type Medium interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	Close() error
}

var ErrMediumClosed = errors.New("medium closed")

type MemoryMedium struct {
	mu     sync.Mutex
	values map[string]string
	closed bool
	fail   error
}

func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{values: map[string]string{}}
}

// FailWith makes every later call return err. A nil err restores normal
// behaviour.
func (m *MemoryMedium) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryMedium) check() error {
	if m.fail != nil {
		return m.fail
	}
	if m.closed {
		return ErrMediumClosed
	}
	return nil
}

func (m *MemoryMedium) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *MemoryMedium) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *MemoryMedium) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.values, key)
	return nil
}

func (m *MemoryMedium) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return sortedKeys(m.values), nil
}

func (m *MemoryMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
