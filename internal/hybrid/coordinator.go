package hybrid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/storage"
)

const defaultRemoteTimeout = 30 * time.Second

var ErrRemoteUnavailable = errors.New("remote store not configured")

// LocalStore is the synchronous replica. Its writes are not expected to fail.
type LocalStore interface {
	storage.Backend
	GetPreference(name string) (string, bool)
	SetPreference(name, value string)
	RemovePreference(name string)
}

// RemoteStore is the replica that is written in the background.
type RemoteStore interface {
	storage.Backend
	SaveSettings(ctx context.Context, settings map[string]json.RawMessage) error
	DeleteAllUserData(ctx context.Context) (int, error)
}

type Options struct {
	Classifier *storage.Classifier
	Demo       storage.DemoModeProvider
	// RemoteTimeout bounds each background remote write.
	RemoteTimeout time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Coordinator is the storage backend the application talks to. Reads come
// from the local replica only. Writes land locally before returning and are
// mirrored to the remote replica in the background while cloud mode is
// active.
type Coordinator struct {
	local      LocalStore
	remote     RemoteStore
	identity   storage.IdentityProvider
	demo       storage.DemoModeProvider
	classifier storage.Classifier
	log        zerolog.Logger
	now        func() time.Time
	timeout    time.Duration

	mu       sync.RWMutex
	mode     Mode
	lastSync time.Time

	syncing atomic.Bool

	// flightMu guards pending and idle. idle is closed whenever pending
	// drops to zero.
	flightMu sync.Mutex
	pending  int64
	idle     chan struct{}

	subMu       sync.Mutex
	subscribers map[int]func(Status)
	nextSubID   int
}

var _ storage.Backend = (*Coordinator)(nil)

// New builds a coordinator and loads the persisted mode and last sync time.
// remote may be nil, in which case cloud mode never becomes active.
func New(local LocalStore, remote RemoteStore, identity storage.IdentityProvider, opts Options) *Coordinator {
	classifier := storage.DefaultClassifier()
	if opts.Classifier != nil {
		classifier = *opts.Classifier
	}
	demo := opts.Demo
	if demo == nil {
		demo = storage.NoDemoMode
	}
	if identity == nil {
		identity = storage.StaticIdentity("")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	c := &Coordinator{
		local:       local,
		remote:      remote,
		identity:    identity,
		demo:        demo,
		classifier:  classifier,
		log:         opts.Logger.With().Str("component", "hybrid").Logger(),
		now:         now,
		timeout:     timeout,
		subscribers: map[int]func(Status){},
	}
	c.mode = modeFromPreference(local.GetPreference(storage.PrefSyncMode))
	c.lastSync = c.loadLastSync()
	return c
}

func (c *Coordinator) loadLastSync() time.Time {
	value, ok := c.local.GetPreference(storage.PrefLastSyncTime)
	if !ok || value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		c.log.Warn().Str("value", value).Msg("dropping malformed last sync time")
		c.local.RemovePreference(storage.PrefLastSyncTime)
		return time.Time{}
	}
	return ts.UTC()
}

// IsCloudActive is recomputed on every call; demo mode always wins.
func (c *Coordinator) IsCloudActive() bool {
	if c.remote == nil {
		return false
	}
	return c.Mode() == ModeCloud && c.identity.IdentityPresent() && !c.demo.DemoModeActive()
}

func (c *Coordinator) Save(ctx context.Context, key string, value any) error {
	raw, err := storage.Encode(value)
	if err != nil {
		return err
	}
	if err := c.local.Save(ctx, key, raw); err != nil {
		return err
	}
	if !c.IsCloudActive() {
		return nil
	}
	if c.classifier.IsSettings(key) {
		c.background(ctx, "save", key, func(ctx context.Context) error {
			return c.remote.SaveSettings(ctx, map[string]json.RawMessage{key: raw})
		})
		return nil
	}
	c.background(ctx, "save", key, func(ctx context.Context) error {
		if err := c.remote.Save(ctx, key, raw); err != nil {
			return err
		}
		c.markSynced()
		return nil
	})
	return nil
}

func (c *Coordinator) Load(ctx context.Context, key string) (json.RawMessage, error) {
	return c.local.Load(ctx, key)
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	if c.IsCloudActive() {
		c.background(ctx, "delete", key, func(ctx context.Context) error {
			return c.remote.Delete(ctx, key)
		})
	}
	return nil
}

func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	return c.local.Exists(ctx, key)
}

func (c *Coordinator) ExportAll(ctx context.Context) (map[string]json.RawMessage, error) {
	return c.local.ExportAll(ctx)
}

func (c *Coordinator) ImportAll(ctx context.Context, data map[string]json.RawMessage) error {
	if err := c.local.ImportAll(ctx, data); err != nil {
		return err
	}
	if c.IsCloudActive() && len(data) > 0 {
		snapshot := make(map[string]json.RawMessage, len(data))
		for key, value := range data {
			snapshot[key] = value
		}
		c.background(ctx, "import", "*", func(ctx context.Context) error {
			return c.remote.ImportAll(ctx, snapshot)
		})
	}
	return nil
}

func (c *Coordinator) ExportRecords(ctx context.Context, key string) ([]json.RawMessage, error) {
	return c.local.ExportRecords(ctx, key)
}

func (c *Coordinator) ImportRecords(ctx context.Context, key string, records []json.RawMessage) error {
	if err := c.local.ImportRecords(ctx, key, records); err != nil {
		return err
	}
	if c.IsCloudActive() {
		snapshot := append([]json.RawMessage(nil), records...)
		c.background(ctx, "import", key, func(ctx context.Context) error {
			return c.remote.ImportRecords(ctx, key, snapshot)
		})
	}
	return nil
}

// background runs fn detached from the caller. Its failure is logged and
// never reaches the caller, whose local write already succeeded.
func (c *Coordinator) background(parent context.Context, op, key string, fn func(context.Context) error) {
	c.beginWrite()
	go func() {
		defer c.endWrite()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("background sync failed")
		}
	}()
}

func (c *Coordinator) beginWrite() {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
}

func (c *Coordinator) endWrite() {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}

func (c *Coordinator) pendingWrites() int64 {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	return c.pending
}

// Flush waits until the number of in-flight background writes next drops to
// zero. It is safe to call while other goroutines keep writing.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flightMu.Lock()
	if c.pending == 0 {
		c.flightMu.Unlock()
		return nil
	}
	idle := c.idle
	c.flightMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Flush(ctx)
}

// MigrationReport describes what MigrateLocalToCloud uploaded.
type MigrationReport struct {
	Settings []string `json:"settings"`
	Records  []string `json:"records"`
	Skipped  []string `json:"skipped"`
}

func (c *Coordinator) requireRemote() error {
	if !c.identity.IdentityPresent() {
		return storage.ErrNotAuthenticated
	}
	if c.remote == nil {
		return ErrRemoteUnavailable
	}
	return nil
}

func (c *Coordinator) beginSync() error {
	if !c.syncing.CompareAndSwap(false, true) {
		return storage.ErrSyncInProgress
	}
	c.notify()
	return nil
}

func (c *Coordinator) endSync() {
	c.syncing.Store(false)
	c.notify()
}

// MigrateLocalToCloud pushes every classified local key to the remote
// replica: settings as one merged write, then records one at a time.
// Unclassified keys are logged and skipped.
func (c *Coordinator) MigrateLocalToCloud(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	if err := c.requireRemote(); err != nil {
		return report, err
	}
	if err := c.beginSync(); err != nil {
		return report, err
	}
	defer c.endSync()

	data, err := c.local.ExportAll(ctx)
	if err != nil {
		return report, err
	}
	part := c.classifier.Partition(data)
	c.addRawPreferences(part.Settings)

	for _, key := range part.Skipped {
		c.log.Warn().Str("key", key).Msg("skipping unclassified key during migration")
	}
	report.Skipped = part.Skipped
	report.Settings = sortedNames(part.Settings)

	if len(part.Settings) > 0 {
		if err := c.remote.SaveSettings(ctx, part.Settings); err != nil {
			return report, fmt.Errorf("migrate settings: %w", err)
		}
	}
	for _, key := range part.RecordKeys() {
		if err := c.remote.Save(ctx, key, part.Records[key]); err != nil {
			return report, fmt.Errorf("migrate %s: %w", key, err)
		}
		report.Records = append(report.Records, key)
	}
	c.markSynced()
	c.log.Info().
		Int("settings", len(report.Settings)).
		Int("records", len(report.Records)).
		Int("skipped", len(report.Skipped)).
		Msg("migrated local data to cloud")
	return report, nil
}

// addRawPreferences copies raw preferences that have no JSON counterpart into
// the settings batch, so a later pull can restore them. The last sync time is
// left out because it describes this replica, not the user's data.
func (c *Coordinator) addRawPreferences(settings map[string]json.RawMessage) {
	for _, key := range storage.RawPreferenceKeys {
		if key == storage.PrefLastSyncTime {
			continue
		}
		if _, ok := settings[key]; ok {
			continue
		}
		value, ok := c.local.GetPreference(key)
		if !ok {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		settings[key] = raw
	}
}

// PullFromCloud overwrites local data with the remote replica.
func (c *Coordinator) PullFromCloud(ctx context.Context) error {
	if err := c.requireRemote(); err != nil {
		return err
	}
	if err := c.beginSync(); err != nil {
		return err
	}
	defer c.endSync()

	remote, err := c.remote.ExportAll(ctx)
	if err != nil {
		return err
	}
	data := make(map[string]json.RawMessage, len(remote))
	for key, value := range remote {
		data[key] = value
	}
	if nested, ok := data[storage.SettingsDocumentKey]; ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(nested, &fields); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed settings document")
		}
		for key, value := range fields {
			if c.classifier.IsSettings(key) {
				data[key] = value
			}
		}
		delete(data, storage.SettingsDocumentKey)
	}
	for _, key := range storage.RawPreferenceKeys {
		value, ok := data[key]
		if !ok {
			continue
		}
		delete(data, key)
		text, present := preferenceText(value)
		if !present {
			c.local.RemovePreference(key)
			continue
		}
		c.local.SetPreference(key, text)
	}
	if err := c.local.ImportAll(ctx, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = modeFromPreference(c.local.GetPreference(storage.PrefSyncMode))
	c.mu.Unlock()
	c.markSynced()
	c.log.Info().Int("keys", len(data)).Msg("pulled cloud data")
	return nil
}

// preferenceText turns a JSON value into the raw string a preference holds.
// Strings are unquoted; null means the preference should be absent.
func preferenceText(value json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text, true
	}
	return string(trimmed), true
}

// ClearCloudData deletes every remote document for the current identity.
func (c *Coordinator) ClearCloudData(ctx context.Context) error {
	if err := c.requireRemote(); err != nil {
		return err
	}
	if _, err := c.remote.DeleteAllUserData(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSync = time.Time{}
	c.mu.Unlock()
	c.local.RemovePreference(storage.PrefLastSyncTime)
	c.notify()
	return nil
}

func (c *Coordinator) markSynced() {
	now := c.now().UTC()
	c.mu.Lock()
	c.lastSync = now
	c.mu.Unlock()
	c.local.SetPreference(storage.PrefLastSyncTime, now.Format(time.RFC3339Nano))
	c.notify()
}

// SetMode persists mode. It works whether or not anyone is signed in.
func (c *Coordinator) SetMode(mode Mode) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.mode = parsed
	c.mu.Unlock()
	c.local.SetPreference(storage.PrefSyncMode, string(parsed))
	c.notify()
	return nil
}

func (c *Coordinator) ToggleMode() Mode {
	next := ModeCloud
	if c.Mode() == ModeCloud {
		next = ModeLocal
	}
	_ = c.SetMode(next)
	return next
}

func (c *Coordinator) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Coordinator) LastSyncTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, !c.lastSync.IsZero()
}

func (c *Coordinator) IsSyncing() bool {
	return c.syncing.Load()
}

func sortedNames(values map[string]json.RawMessage) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
