package storage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClassifierPartitionsEveryKnownKey(t *testing.T) {
	c := DefaultClassifier()
	for _, key := range SettingsKeys {
		assert.Equal(t, KeySettings, c.Classify(key), key)
		assert.True(t, c.IsSettings(key), key)
	}
	for _, key := range RecordKeys {
		assert.Equal(t, KeyRecord, c.Classify(key), key)
		assert.False(t, c.IsSettings(key), key)
	}
	assert.Equal(t, KeyUnclassified, c.Classify("scratch_notes"))
	assert.Equal(t, KeyUnclassified, c.Classify(SettingsDocumentKey))
}

func TestRawPreferenceKeysAreSettings(t *testing.T) {
	c := DefaultClassifier()
	for _, key := range RawPreferenceKeys {
		assert.True(t, c.IsSettings(key), key)
	}
}

func TestNewClassifierRejectsOverlap(t *testing.T) {
	_, err := NewClassifier([]string{"theme", "tariffs"}, []string{"tariffs"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = NewClassifier([]string{SettingsDocumentKey}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPartitionSplitsAndSortsSkipped(t *testing.T) {
	p := DefaultClassifier().Partition(map[string]json.RawMessage{
		"theme":          json.RawMessage(`"dark"`),
		"water_readings": json.RawMessage(`[]`),
		"tariffs":        json.RawMessage(`[{"id":1}]`),
		"zeta":           json.RawMessage(`1`),
		"alpha":          json.RawMessage(`2`),
	})
	assert.Equal(t, map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}, p.Settings)
	assert.Len(t, p.Records, 2)
	assert.Equal(t, []string{"tariffs", "water_readings"}, p.RecordKeys())
	assert.Equal(t, []string{"alpha", "zeta"}, p.Skipped)
}

func TestKeyClassString(t *testing.T) {
	assert.Equal(t, "settings", KeySettings.String())
	assert.Equal(t, "record", KeyRecord.String())
	assert.Equal(t, "unclassified", KeyUnclassified.String())
}
