package localcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *MemoryMedium, *bytes.Buffer) {
	t.Helper()
	medium := NewMemoryMedium()
	buf := &bytes.Buffer{}
	return New(medium, Options{Logger: zerolog.New(buf)}), medium, buf
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, medium, _ := newTestCache(t)

	require.NoError(t, cache.Save(ctx, "household_size", 4))
	raw, err := cache.Load(ctx, "household_size")
	require.NoError(t, err)
	assert.JSONEq(t, `4`, string(raw))

	stored, ok, err := medium.Get(DefaultPrefix + "household_size")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "4", stored)

	exists, err := cache.Exists(ctx, "household_size")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Delete(ctx, "household_size"))
	raw, err = cache.Load(ctx, "household_size")
	require.NoError(t, err)
	assert.Nil(t, raw)
	exists, _ = cache.Exists(ctx, "household_size")
	assert.False(t, exists)
}

func TestCacheSwallowsMediumErrors(t *testing.T) {
	ctx := context.Background()
	cache, medium, logs := newTestCache(t)
	medium.FailWith(errors.New("quota exceeded"))

	assert.NoError(t, cache.Save(ctx, "tariffs", []int{1}))
	assert.NoError(t, cache.Delete(ctx, "tariffs"))
	raw, err := cache.Load(ctx, "tariffs")
	assert.NoError(t, err)
	assert.Nil(t, raw)
	exists, err := cache.Exists(ctx, "tariffs")
	assert.NoError(t, err)
	assert.False(t, exists)
	all, err := cache.ExportAll(ctx)
	assert.NoError(t, err)
	assert.Empty(t, all)
	_, ok := cache.GetPreference("theme")
	assert.False(t, ok)

	assert.Contains(t, logs.String(), "quota exceeded")
}

func TestCacheLoadIgnoresCorruptValue(t *testing.T) {
	ctx := context.Background()
	cache, medium, logs := newTestCache(t)
	require.NoError(t, medium.Set(DefaultPrefix+"tariffs", "{not json"))

	raw, err := cache.Load(ctx, "tariffs")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Contains(t, logs.String(), "not valid json")

	all, err := cache.ExportAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "tariffs")
}

func TestCacheExportAllStripsPrefixAndSkipsPreferences(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t)
	require.NoError(t, cache.Save(ctx, "theme", "dark"))
	require.NoError(t, cache.Save(ctx, "water_readings", []map[string]int{{"value": 12}}))
	cache.SetPreference("sync_mode", "cloud")

	all, err := cache.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.JSONEq(t, `"dark"`, string(all["theme"]))
	assert.JSONEq(t, `[{"value":12}]`, string(all["water_readings"]))

	other := New(NewMemoryMedium(), Options{})
	require.NoError(t, other.ImportAll(ctx, all))
	again, err := other.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, all, again)
}

func TestCacheRecords(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t)

	records, err := cache.ExportRecords(ctx, "tariffs")
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{}, records)

	require.NoError(t, cache.ImportRecords(ctx, "tariffs", []json.RawMessage{
		json.RawMessage(`{"id":"t1"}`),
		json.RawMessage(`{"id":"t2"}`),
	}))
	records, err = cache.ExportRecords(ctx, "tariffs")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"id":"t2"}`, string(records[1]))

	require.NoError(t, cache.Save(ctx, "tariffs", map[string]int{"x": 1}))
	records, err = cache.ExportRecords(ctx, "tariffs")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCacheClearKeepsPreferences(t *testing.T) {
	ctx := context.Background()
	cache, medium, _ := newTestCache(t)
	require.NoError(t, cache.Save(ctx, "tariffs", []int{}))
	cache.SetPreference("sync_mode", "cloud")

	require.NoError(t, cache.Clear(ctx))
	keys, err := medium.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"sync_mode"}, keys)
}

func TestCachePreferences(t *testing.T) {
	cache, medium, _ := newTestCache(t)
	cache.SetPreference("theme", "dark")

	stored, ok, err := medium.Get("theme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", stored)

	value, ok := cache.GetPreference("theme")
	assert.True(t, ok)
	assert.Equal(t, "dark", value)

	cache.RemovePreference("theme")
	_, ok = cache.GetPreference("theme")
	assert.False(t, ok)
}

func TestCacheCustomPrefix(t *testing.T) {
	ctx := context.Background()
	medium := NewMemoryMedium()
	cache := New(medium, Options{Prefix: "test_"})
	require.NoError(t, cache.Save(ctx, "theme", "light"))
	keys, err := medium.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"test_theme"}, keys)
	assert.Equal(t, "test_", cache.Prefix())
}
