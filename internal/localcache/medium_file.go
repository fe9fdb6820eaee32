package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileMedium keeps the whole key space in a single JSON object on disk. Every
// write rewrites the file through a temp file and rename.
type FileMedium struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	closed bool
}

func NewFileMedium(path string) (*FileMedium, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file medium: empty path")
	}
	m := &FileMedium{path: path}
	values, err := m.read()
	if err != nil {
		return nil, err
	}
	m.values = values
	return m, nil
}

func (m *FileMedium) Path() string {
	return m.path
}

func (m *FileMedium) read() (map[string]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]string{}, nil
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	return values, nil
}

func (m *FileMedium) persist() error {
	data, err := json.MarshalIndent(m.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func (m *FileMedium) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrMediumClosed
	}
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *FileMedium) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediumClosed
	}
	prev, had := m.values[key]
	m.values[key] = value
	if err := m.persist(); err != nil {
		if had {
			m.values[key] = prev
		} else {
			delete(m.values, key)
		}
		return err
	}
	return nil
}

func (m *FileMedium) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediumClosed
	}
	prev, had := m.values[key]
	if !had {
		return nil
	}
	delete(m.values, key)
	if err := m.persist(); err != nil {
		m.values[key] = prev
		return err
	}
	return nil
}

func (m *FileMedium) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMediumClosed
	}
	return sortedKeys(m.values), nil
}

func (m *FileMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reload replaces the in-memory view with the file contents.
func (m *FileMedium) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediumClosed
	}
	values, err := m.read()
	if err != nil {
		return err
	}
	m.values = values
	return nil
}

// Watch reloads the medium whenever another process rewrites the file and
// then calls onChange. It blocks until ctx is done. The parent directory is
// watched because writers replace the file with a rename.
func (m *FileMedium) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := m.Reload(); err != nil {
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
