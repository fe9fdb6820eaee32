package demo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterbook/meterbook/internal/hybrid"
	"github.com/meterbook/meterbook/internal/localcache"
	"github.com/meterbook/meterbook/internal/remotestore"
	"github.com/meterbook/meterbook/internal/storage"
)

var now = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newSandbox() (*Sandbox, *localcache.Cache) {
	local := localcache.New(localcache.NewMemoryMedium(), localcache.Options{})
	return New(local, Options{Now: func() time.Time { return now }}), local
}

func TestEnterAndExitRestoresLocalData(t *testing.T) {
	ctx := context.Background()
	sandbox, local := newSandbox()
	require.NoError(t, local.Save(ctx, "tariffs", []string{"mine"}))
	require.NoError(t, local.Save(ctx, "scratch", 1))
	local.SetPreference(storage.PrefTheme, "dark")
	before, err := local.ExportAll(ctx)
	require.NoError(t, err)

	require.NoError(t, sandbox.Enter(ctx))
	assert.True(t, sandbox.DemoModeActive())
	during, err := local.ExportAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, during, "scratch")
	assert.Contains(t, during, "water_readings")

	// A second Enter must not back up the sample data over the real backup.
	require.NoError(t, sandbox.Enter(ctx))

	require.NoError(t, sandbox.Exit(ctx))
	assert.False(t, sandbox.DemoModeActive())
	after, err := local.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, ok := local.GetPreference(storage.PrefDemoBackup)
	assert.False(t, ok)
	theme, _ := local.GetPreference(storage.PrefTheme)
	assert.Equal(t, "dark", theme)

	require.NoError(t, sandbox.Exit(ctx))
}

// backupFailingMedium refuses writes of the demo backup preference only.
type backupFailingMedium struct {
	*localcache.MemoryMedium
}

func (m backupFailingMedium) Set(key, value string) error {
	if key == storage.PrefDemoBackup {
		return errors.New("quota exceeded")
	}
	return m.MemoryMedium.Set(key, value)
}

func TestEnterKeepsDataWhenBackupCannotBeStored(t *testing.T) {
	ctx := context.Background()
	local := localcache.New(backupFailingMedium{localcache.NewMemoryMedium()}, localcache.Options{})
	sandbox := New(local, Options{Now: func() time.Time { return now }})
	require.NoError(t, local.Save(ctx, "water_readings", []int{1, 2, 3}))

	err := sandbox.Enter(ctx)
	require.ErrorIs(t, err, ErrBackupFailed)
	assert.False(t, sandbox.DemoModeActive())

	value, err := local.Load(ctx, "water_readings")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(value))

	require.NoError(t, sandbox.Exit(ctx))
	value, err = local.Load(ctx, "water_readings")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(value))
}

func TestExitRejectsCorruptBackup(t *testing.T) {
	ctx := context.Background()
	sandbox, local := newSandbox()
	require.NoError(t, sandbox.Enter(ctx))
	local.SetPreference(storage.PrefDemoBackup, "{")

	err := sandbox.Exit(ctx)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.True(t, sandbox.DemoModeActive())
}

func TestDemoModeBlocksCloudMirror(t *testing.T) {
	ctx := context.Background()
	sandbox, local := newSandbox()
	docs := remotestore.NewMemoryDocuments()
	identity := storage.StaticIdentity("u1")
	remote := remotestore.New(docs, identity, remotestore.Options{})
	c := hybrid.New(local, remote, identity, hybrid.Options{Demo: sandbox})
	require.NoError(t, c.SetMode(hybrid.ModeCloud))
	assert.True(t, c.IsCloudActive())

	require.NoError(t, sandbox.Enter(ctx))
	assert.False(t, c.IsCloudActive())
	require.NoError(t, c.Save(ctx, "tariffs", []int{}))
	require.NoError(t, c.Flush(ctx))
	assert.Zero(t, docs.Calls(""))
}

func TestSampleDataIsDeterministicAndClassified(t *testing.T) {
	a := SampleData(now)
	b := SampleData(now.Add(48 * time.Hour))
	assert.Equal(t, a, b)

	classifier := storage.DefaultClassifier()
	for key := range a {
		assert.NotEqual(t, storage.KeyUnclassified, classifier.Classify(key), key)
	}

	var readings []Reading
	require.NoError(t, json.Unmarshal(a["water_readings"], &readings))
	require.Len(t, readings, sampleMonths)
	assert.Equal(t, "2025-11-01", readings[0].Date)
	assert.Equal(t, "2026-10-01", readings[len(readings)-1].Date)
	for i := 1; i < len(readings); i++ {
		assert.True(t, readings[i].Value.GreaterThan(readings[i-1].Value), "readings must increase")
	}
	assert.Equal(t, "412.500", readings[0].Value.StringFixed(3))
}

func TestConsumptionAndCost(t *testing.T) {
	readings := []Reading{
		{Value: decimal.RequireFromString("100.250")},
		{Value: decimal.RequireFromString("110.000")},
		{Value: decimal.RequireFromString("121.750")},
	}
	used := Consumption(readings)
	assert.True(t, used.Equal(decimal.RequireFromString("21.5")))
	assert.True(t, Consumption(readings[:1]).IsZero())

	cost := Cost(used, 2, Tariff{
		PricePerUnit:   decimal.RequireFromString("4.12"),
		BaseFeeMonthly: decimal.RequireFromString("9.50"),
	})
	// 21.5 * 4.12 + 2 * 9.50
	assert.Equal(t, "107.58", cost.StringFixed(2))
}
