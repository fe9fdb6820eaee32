package localcache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/storage"
)

const DefaultPrefix = "meterbook_"

type Options struct {
	// Prefix namespaces JSON values. Preferences are stored without it.
	Prefix string
	Logger zerolog.Logger
}

// Cache is the local half of the hybrid store. Writes never fail from the
// caller's point of view: medium and encoding errors are logged and dropped.
type Cache struct {
	medium Medium
	prefix string
	log    zerolog.Logger
}

var _ storage.Backend = (*Cache)(nil)

func New(medium Medium, opts Options) *Cache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{
		medium: medium,
		prefix: prefix,
		log:    opts.Logger.With().Str("component", "localcache").Logger(),
	}
}

func (c *Cache) Prefix() string {
	return c.prefix
}

func (c *Cache) Medium() Medium {
	return c.medium
}

func (c *Cache) Save(_ context.Context, key string, value any) error {
	raw, err := storage.Encode(value)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("encode value")
		return nil
	}
	if err := c.medium.Set(c.prefix+key, string(raw)); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("write value")
	}
	return nil
}

func (c *Cache) Load(_ context.Context, key string) (json.RawMessage, error) {
	text, ok, err := c.medium.Get(c.prefix + key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("read value")
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if !json.Valid([]byte(text)) {
		c.log.Warn().Str("key", key).Msg("stored value is not valid json")
		return nil, nil
	}
	return json.RawMessage(text), nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	if err := c.medium.Remove(c.prefix + key); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("remove value")
	}
	return nil
}

func (c *Cache) Exists(_ context.Context, key string) (bool, error) {
	_, ok, err := c.medium.Get(c.prefix + key)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("check value")
		return false, nil
	}
	return ok, nil
}

// ExportAll returns every parseable prefixed value keyed by its unprefixed
// name.
func (c *Cache) ExportAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	keys, err := c.medium.Keys()
	if err != nil {
		c.log.Error().Err(err).Msg("list keys")
		return out, nil
	}
	for _, full := range keys {
		key, ok := strings.CutPrefix(full, c.prefix)
		if !ok || key == "" {
			continue
		}
		raw, _ := c.Load(ctx, key)
		if raw == nil {
			continue
		}
		out[key] = raw
	}
	return out, nil
}

func (c *Cache) ImportAll(ctx context.Context, data map[string]json.RawMessage) error {
	for key, value := range data {
		_ = c.Save(ctx, key, value)
	}
	return nil
}

func (c *Cache) ExportRecords(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, _ := c.Load(ctx, key)
	records, err := storage.DecodeRecords(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("stored value is not a list")
		return []json.RawMessage{}, nil
	}
	return records, nil
}

func (c *Cache) ImportRecords(ctx context.Context, key string, records []json.RawMessage) error {
	raw, err := storage.EncodeRecords(records)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("encode records")
		return nil
	}
	return c.Save(ctx, key, raw)
}

// Clear removes every prefixed value. Preferences are left alone.
func (c *Cache) Clear(_ context.Context) error {
	keys, err := c.medium.Keys()
	if err != nil {
		c.log.Error().Err(err).Msg("list keys")
		return nil
	}
	for _, full := range keys {
		if !strings.HasPrefix(full, c.prefix) {
			continue
		}
		if err := c.medium.Remove(full); err != nil {
			c.log.Error().Err(err).Str("key", full).Msg("remove value")
		}
	}
	return nil
}

// GetPreference reads a raw, unprefixed string. Errors are logged and
// reported as absent.
func (c *Cache) GetPreference(name string) (string, bool) {
	value, ok, err := c.medium.Get(name)
	if err != nil {
		c.log.Error().Err(err).Str("preference", name).Msg("read preference")
		return "", false
	}
	return value, ok
}

func (c *Cache) SetPreference(name, value string) {
	if err := c.medium.Set(name, value); err != nil {
		c.log.Error().Err(err).Str("preference", name).Msg("write preference")
	}
}

func (c *Cache) RemovePreference(name string) {
	if err := c.medium.Remove(name); err != nil {
		c.log.Error().Err(err).Str("preference", name).Msg("remove preference")
	}
}

func (c *Cache) Close() error {
	return c.medium.Close()
}
