package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/storage"
)

// ErrBackupFailed means the local data could not be backed up, so demo mode
// was not entered and nothing was cleared.
var ErrBackupFailed = errors.New("demo backup could not be stored")

// LocalStore is the subset of the local cache the sandbox swaps.
type LocalStore interface {
	ExportAll(ctx context.Context) (map[string]json.RawMessage, error)
	ImportAll(ctx context.Context, data map[string]json.RawMessage) error
	Clear(ctx context.Context) error
	GetPreference(name string) (string, bool)
	SetPreference(name, value string)
	RemovePreference(name string)
}

type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

// Sandbox replaces the user's local data with sample data and puts it back
// afterwards. While it is active the coordinator keeps cloud sync off.
type Sandbox struct {
	local LocalStore
	log   zerolog.Logger
	now   func() time.Time
}

var _ storage.DemoModeProvider = (*Sandbox)(nil)

func New(local LocalStore, opts Options) *Sandbox {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sandbox{
		local: local,
		log:   opts.Logger.With().Str("component", "demo").Logger(),
		now:   now,
	}
}

func (s *Sandbox) DemoModeActive() bool {
	value, ok := s.local.GetPreference(storage.PrefDemoMode)
	return ok && value == "true"
}

// Enter backs up every local value and loads sample data. Entering twice is a
// no-op so the real backup is never overwritten with sample data.
func (s *Sandbox) Enter(ctx context.Context) error {
	if s.DemoModeActive() {
		return nil
	}
	backup, err := s.local.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("backup local data: %w", err)
	}
	payload, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	s.local.SetPreference(storage.PrefDemoBackup, string(payload))
	// SetPreference drops medium errors; clearing without a stored backup
	// would lose the user's data.
	if stored, ok := s.local.GetPreference(storage.PrefDemoBackup); !ok || stored != string(payload) {
		return ErrBackupFailed
	}
	if err := s.local.Clear(ctx); err != nil {
		return err
	}
	sample := SampleData(s.now())
	if err := s.local.ImportAll(ctx, sample); err != nil {
		return err
	}
	s.local.SetPreference(storage.PrefDemoMode, "true")
	s.log.Info().Int("backed_up", len(backup)).Int("sample_keys", len(sample)).Msg("entered demo mode")
	return nil
}

// Exit drops the sample data and restores the backup taken by Enter.
func (s *Sandbox) Exit(ctx context.Context) error {
	if !s.DemoModeActive() {
		return nil
	}
	backup := map[string]json.RawMessage{}
	if payload, ok := s.local.GetPreference(storage.PrefDemoBackup); ok && payload != "" {
		if err := json.Unmarshal([]byte(payload), &backup); err != nil {
			return fmt.Errorf("%w: demo backup is corrupt: %v", storage.ErrInvalidInput, err)
		}
	} else {
		s.log.Warn().Msg("no demo backup found, leaving demo mode with empty data")
	}
	if err := s.local.Clear(ctx); err != nil {
		return err
	}
	if err := s.local.ImportAll(ctx, backup); err != nil {
		return err
	}
	s.local.RemovePreference(storage.PrefDemoBackup)
	s.local.RemovePreference(storage.PrefDemoMode)
	s.log.Info().Int("restored", len(backup)).Msg("left demo mode")
	return nil
}
