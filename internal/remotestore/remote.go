package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meterbook/meterbook/internal/storage"
)

const (
	envelopeValueField     = "value"
	envelopeUpdatedAtField = "updatedAt"
)

type Options struct {
	Classifier *storage.Classifier
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Store is the remote half of the hybrid store. Settings keys share the
// user_settings document; every other key gets its own document holding a
// {value, updatedAt} envelope.
//
// Without an identity every operation is a silent no-op.
type Store struct {
	docs       DocumentStore
	identity   storage.IdentityProvider
	classifier storage.Classifier
	log        zerolog.Logger
	now        func() time.Time
}

var _ storage.Backend = (*Store)(nil)

func New(docs DocumentStore, identity storage.IdentityProvider, opts Options) *Store {
	classifier := storage.DefaultClassifier()
	if opts.Classifier != nil {
		classifier = *opts.Classifier
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		docs:       docs,
		identity:   identity,
		classifier: classifier,
		log:        opts.Logger.With().Str("component", "remotestore").Logger(),
		now:        now,
	}
}

func (s *Store) Documents() DocumentStore {
	return s.docs
}

func (s *Store) userID() (string, bool) {
	if s.docs == nil || s.identity == nil {
		return "", false
	}
	return s.identity.CurrentIdentityID()
}

func (s *Store) fail(op, key string, err error) error {
	s.log.Error().Err(err).Str("op", op).Str("key", key).Msg("remote operation failed")
	return fmt.Errorf("remote %s %s: %w", op, key, err)
}

func (s *Store) Save(ctx context.Context, key string, value any) error {
	userID, ok := s.userID()
	if !ok {
		return nil
	}
	raw, err := storage.Encode(value)
	if err != nil {
		return s.fail("save", key, err)
	}
	if s.classifier.IsSettings(key) {
		err = s.docs.MergeDocument(ctx, userID, storage.SettingsDocumentKey, map[string]json.RawMessage{key: raw})
	} else {
		err = s.docs.SetDocument(ctx, userID, key, s.envelope(raw))
	}
	if err != nil {
		return s.fail("save", key, err)
	}
	return nil
}

// SaveSettings merges a batch of settings into the user_settings document in
// one write.
func (s *Store) SaveSettings(ctx context.Context, settings map[string]json.RawMessage) error {
	userID, ok := s.userID()
	if !ok || len(settings) == 0 {
		return nil
	}
	if err := s.docs.MergeDocument(ctx, userID, storage.SettingsDocumentKey, settings); err != nil {
		return s.fail("save", storage.SettingsDocumentKey, err)
	}
	return nil
}

func (s *Store) envelope(raw json.RawMessage) map[string]json.RawMessage {
	stamp, _ := json.Marshal(s.now().UTC().Format(time.RFC3339Nano))
	return map[string]json.RawMessage{
		envelopeValueField:     raw,
		envelopeUpdatedAtField: stamp,
	}
}

// Load reads the per-key envelope. Settings are only reachable through
// ExportAll.
func (s *Store) Load(ctx context.Context, key string) (json.RawMessage, error) {
	userID, ok := s.userID()
	if !ok {
		return nil, nil
	}
	fields, found, err := s.docs.GetDocument(ctx, userID, key)
	if err != nil {
		return nil, s.fail("load", key, err)
	}
	if !found {
		return nil, nil
	}
	value, ok := fields[envelopeValueField]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	userID, ok := s.userID()
	if !ok {
		return nil
	}
	var err error
	if s.classifier.IsSettings(key) {
		err = s.docs.DeleteField(ctx, userID, storage.SettingsDocumentKey, key)
	} else {
		err = s.docs.DeleteDocument(ctx, userID, key)
	}
	if err != nil {
		return s.fail("delete", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	userID, ok := s.userID()
	if !ok {
		return false, nil
	}
	_, found, err := s.docs.GetDocument(ctx, userID, key)
	if err != nil {
		return false, s.fail("exists", key, err)
	}
	return found, nil
}

// ExportAll flattens the user's documents: settings fields are copied as-is
// and envelopes are unwrapped to their value.
func (s *Store) ExportAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	userID, ok := s.userID()
	if !ok {
		return out, nil
	}
	docs, err := s.docs.ListDocuments(ctx, userID)
	if err != nil {
		return nil, s.fail("export", "*", err)
	}
	for _, doc := range docs {
		if doc.ID == storage.SettingsDocumentKey {
			for name, value := range doc.Fields {
				out[name] = value
			}
			continue
		}
		value, ok := doc.Fields[envelopeValueField]
		if !ok {
			s.log.Warn().Str("key", doc.ID).Msg("document has no value field, skipped")
			continue
		}
		out[doc.ID] = value
	}
	return out, nil
}

func (s *Store) ImportAll(ctx context.Context, data map[string]json.RawMessage) error {
	for key, value := range data {
		if err := s.Save(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ExportRecords(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return storage.DecodeRecords(raw)
}

func (s *Store) ImportRecords(ctx context.Context, key string, records []json.RawMessage) error {
	raw, err := storage.EncodeRecords(records)
	if err != nil {
		return err
	}
	return s.Save(ctx, key, raw)
}

// DeleteAllUserData removes every document the user owns and returns how
// many were deleted.
func (s *Store) DeleteAllUserData(ctx context.Context) (int, error) {
	userID, ok := s.userID()
	if !ok {
		return 0, nil
	}
	docs, err := s.docs.ListDocuments(ctx, userID)
	if err != nil {
		return 0, s.fail("clear", "*", err)
	}
	deleted := 0
	for _, doc := range docs {
		if err := s.docs.DeleteDocument(ctx, userID, doc.ID); err != nil {
			return deleted, s.fail("clear", doc.ID, err)
		}
		deleted++
	}
	s.log.Info().Int("documents", deleted).Msg("deleted remote user data")
	return deleted, nil
}

func (s *Store) Close() error {
	if s.docs == nil {
		return nil
	}
	return s.docs.Close()
}
