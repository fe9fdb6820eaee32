package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSyncInProgress   = errors.New("sync already in progress")
)

// Backend is implemented identically by the local cache, the remote store and
// the coordinator that sits in front of both.
type Backend interface {
	Save(ctx context.Context, key string, value any) error
	// Load returns nil, nil when the key does not exist.
	Load(ctx context.Context, key string) (json.RawMessage, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ExportAll(ctx context.Context) (map[string]json.RawMessage, error)
	ImportAll(ctx context.Context, data map[string]json.RawMessage) error
	// ExportRecords treats the key's value as a list. A missing key yields an
	// empty list.
	ExportRecords(ctx context.Context, key string) ([]json.RawMessage, error)
	ImportRecords(ctx context.Context, key string, records []json.RawMessage) error
}

// Encode marshals a value for storage.
func Encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: value is not valid json", ErrInvalidInput)
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return data, nil
}

// LoadAs loads key from b and decodes it into T. The boolean reports whether
// the key existed.
func LoadAs[T any](ctx context.Context, b Backend, key string) (T, bool, error) {
	var out T
	raw, err := b.Load(ctx, key)
	if err != nil {
		return out, false, err
	}
	if raw == nil {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

// DecodeRecords splits a stored list value into its elements. Absent and null
// values decode to an empty list.
func DecodeRecords(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("%w: value is not a list", ErrInvalidInput)
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records, nil
}

// EncodeRecords is the inverse of DecodeRecords; a nil slice encodes as [].
func EncodeRecords(records []json.RawMessage) (json.RawMessage, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	for i, record := range records {
		if !json.Valid(record) {
			return nil, fmt.Errorf("%w: record %d is not valid json", ErrInvalidInput, i)
		}
	}
	return json.Marshal(records)
}
