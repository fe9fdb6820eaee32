package remotestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Document is one remote document: an id and a flat map of JSON fields.
type Document struct {
	ID     string                     `json:"id"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// DocumentStore is a per-user document database. Documents live under
// users/{userID}/data/{docID}.
type DocumentStore interface {
	GetDocument(ctx context.Context, userID, docID string) (map[string]json.RawMessage, bool, error)
	// SetDocument replaces the whole document.
	SetDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error
	// MergeDocument overwrites only the given fields, creating the document
	// when needed.
	MergeDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error
	DeleteField(ctx context.Context, userID, docID, field string) error
	DeleteDocument(ctx context.Context, userID, docID string) error
	ListDocuments(ctx context.Context, userID string) ([]Document, error)
	Close() error
}

// MemoryDocuments is an in-process DocumentStore. It counts calls and can be
// told to fail, which makes it the double for coordinator tests.
type MemoryDocuments struct {
	mu    sync.Mutex
	users map[string]map[string]map[string]json.RawMessage
	calls map[string]int
	fail  error
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		users: map[string]map[string]map[string]json.RawMessage{},
		calls: map[string]int{},
	}
}

func (m *MemoryDocuments) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls returns the number of calls made to op, or to every operation when op
// is empty.
func (m *MemoryDocuments) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op != "" {
		return m.calls[op]
	}
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *MemoryDocuments) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = map[string]int{}
}

func (m *MemoryDocuments) enter(op string) error {
	m.calls[op]++
	return m.fail
}

func (m *MemoryDocuments) GetDocument(_ context.Context, userID, docID string) (map[string]json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get"); err != nil {
		return nil, false, err
	}
	fields, ok := m.users[userID][docID]
	if !ok {
		return nil, false, nil
	}
	return cloneFields(fields), true, nil
}

func (m *MemoryDocuments) SetDocument(_ context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("set"); err != nil {
		return err
	}
	m.docs(userID)[docID] = cloneFields(fields)
	return nil
}

func (m *MemoryDocuments) MergeDocument(_ context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("merge"); err != nil {
		return err
	}
	docs := m.docs(userID)
	current, ok := docs[docID]
	if !ok {
		current = map[string]json.RawMessage{}
		docs[docID] = current
	}
	for name, value := range fields {
		current[name] = append(json.RawMessage(nil), value...)
	}
	return nil
}

func (m *MemoryDocuments) DeleteField(_ context.Context, userID, docID, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_field"); err != nil {
		return err
	}
	if fields, ok := m.users[userID][docID]; ok {
		delete(fields, field)
	}
	return nil
}

func (m *MemoryDocuments) DeleteDocument(_ context.Context, userID, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete"); err != nil {
		return err
	}
	delete(m.users[userID], docID)
	return nil
}

func (m *MemoryDocuments) ListDocuments(_ context.Context, userID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list"); err != nil {
		return nil, err
	}
	docs := m.users[userID]
	out := make([]Document, 0, len(docs))
	for id, fields := range docs {
		out = append(out, Document{ID: id, Fields: cloneFields(fields)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryDocuments) Close() error {
	return nil
}

func (m *MemoryDocuments) docs(userID string) map[string]map[string]json.RawMessage {
	docs, ok := m.users[userID]
	if !ok {
		docs = map[string]map[string]json.RawMessage{}
		m.users[userID] = docs
	}
	return docs
}

func cloneFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		out[name] = append(json.RawMessage(nil), value...)
	}
	return out
}
