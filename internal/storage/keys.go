package storage

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SettingsDocumentKey is the remote document that groups every settings key.
// It is never a local storage key itself.
const SettingsDocumentKey = "user_settings"

// Raw preference keys. These are stored unprefixed and unencoded so they can
// be read before anything else is initialised.
const (
	PrefSyncMode     = "sync_mode"
	PrefLastSyncTime = "last_sync_time"
	PrefTheme        = "theme"
	PrefLanguage     = "language"
	PrefDemoMode     = "demo_mode"
	PrefDemoBackup   = "demo_backup"
)

var SettingsKeys = []string{
	PrefSyncMode,
	PrefLastSyncTime,
	PrefTheme,
	PrefLanguage,
	"currency",
	"household_size",
	"reading_reminder_days",
	"chart_range",
	"water_settings",
	"heating_settings",
	"electricity_settings",
}

var RecordKeys = []string{
	"water_readings",
	"heating_readings",
	"electricity_readings",
	"water_meters",
	"heating_meters",
	"electricity_meters",
	"tariffs",
	"household_members",
}

// RawPreferenceKeys are settings that other code reads as raw strings, so a
// pull must write them through the preference accessor instead of the JSON
// path.
var RawPreferenceKeys = []string{
	PrefSyncMode,
	PrefLastSyncTime,
	PrefTheme,
	PrefLanguage,
}

type KeyClass int

const (
	KeyUnclassified KeyClass = iota
	KeySettings
	KeyRecord
)

func (c KeyClass) String() string {
	switch c {
	case KeySettings:
		return "settings"
	case KeyRecord:
		return "record"
	default:
		return "unclassified"
	}
}

// Classifier partitions keys into the settings document and individual record
// documents. The zero value classifies everything as unclassified.
type Classifier struct {
	settings map[string]struct{}
	records  map[string]struct{}
}

// NewClassifier builds a table from the given key lists. A key listed in both
// groups would make the remote export ambiguous and is rejected.
func NewClassifier(settingsKeys, recordKeys []string) (Classifier, error) {
	c := Classifier{
		settings: make(map[string]struct{}, len(settingsKeys)),
		records:  make(map[string]struct{}, len(recordKeys)),
	}
	for _, key := range settingsKeys {
		if key == "" || key == SettingsDocumentKey {
			return Classifier{}, fmt.Errorf("%w: invalid settings key %q", ErrInvalidInput, key)
		}
		c.settings[key] = struct{}{}
	}
	for _, key := range recordKeys {
		if key == "" || key == SettingsDocumentKey {
			return Classifier{}, fmt.Errorf("%w: invalid record key %q", ErrInvalidInput, key)
		}
		if _, dup := c.settings[key]; dup {
			return Classifier{}, fmt.Errorf("%w: key %q is both a settings and a record key", ErrInvalidInput, key)
		}
		c.records[key] = struct{}{}
	}
	return c, nil
}

func DefaultClassifier() Classifier {
	c, err := NewClassifier(SettingsKeys, RecordKeys)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Classifier) Classify(key string) KeyClass {
	if _, ok := c.settings[key]; ok {
		return KeySettings
	}
	if _, ok := c.records[key]; ok {
		return KeyRecord
	}
	return KeyUnclassified
}

func (c Classifier) IsSettings(key string) bool {
	return c.Classify(key) == KeySettings
}

// Partition is the result of splitting an exported data set.
type Partition struct {
	Settings map[string]json.RawMessage
	Records  map[string]json.RawMessage
	// Skipped holds unclassified keys, sorted.
	Skipped []string
}

// RecordKeys returns the record keys of the partition in sorted order so that
// uploads happen in a stable sequence.
func (p Partition) RecordKeys() []string {
	keys := make([]string, 0, len(p.Records))
	for key := range p.Records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c Classifier) Partition(data map[string]json.RawMessage) Partition {
	p := Partition{
		Settings: map[string]json.RawMessage{},
		Records:  map[string]json.RawMessage{},
	}
	for key, value := range data {
		switch c.Classify(key) {
		case KeySettings:
			p.Settings[key] = value
		case KeyRecord:
			p.Records[key] = value
		default:
			p.Skipped = append(p.Skipped, key)
		}
	}
	sort.Strings(p.Skipped)
	return p
}
