package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/meterbook/meterbook/internal/storage"
)

const (
	postgresDocumentsTableName = "meterbook_documents"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDocuments stores each document as one JSONB row keyed by user and
// document id.
type PostgresDocuments struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresDocuments(dsn string) (*PostgresDocuments, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, storage.ErrInvalidInput
	}
	return &PostgresDocuments{
		dsn:       dsn,
		tableName: postgresDocumentsTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresDocuments) GetDocument(ctx context.Context, userID, docID string) (map[string]json.RawMessage, bool, error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT fields::text FROM %s WHERE user_id = $1 AND doc_id = $2", postgresQuoteIdentifier(p.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, userID, docID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

func (p *PostgresDocuments) SetDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	return p.upsert(ctx, userID, docID, fields, "EXCLUDED.fields")
}

func (p *PostgresDocuments) MergeDocument(ctx context.Context, userID, docID string, fields map[string]json.RawMessage) error {
	return p.upsert(ctx, userID, docID, fields, "d.fields || EXCLUDED.fields")
}

func (p *PostgresDocuments) upsert(ctx context.Context, userID, docID string, fields map[string]json.RawMessage, assign string) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS d (user_id, doc_id, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (user_id, doc_id)
		DO UPDATE SET fields = %s, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName), assign)
	_, err = db.ExecContext(ctx, query, userID, docID, string(payload))
	return err
}

func (p *PostgresDocuments) DeleteField(ctx context.Context, userID, docID, field string) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET fields = fields - $3, updated_at = NOW()
		WHERE user_id = $1 AND doc_id = $2`, postgresQuoteIdentifier(p.tableName))
	_, err = db.ExecContext(ctx, query, userID, docID, field)
	return err
}

func (p *PostgresDocuments) DeleteDocument(ctx context.Context, userID, docID string) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND doc_id = $2", postgresQuoteIdentifier(p.tableName))
	_, err = db.ExecContext(ctx, query, userID, docID)
	return err
}

func (p *PostgresDocuments) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc_id, fields::text FROM %s WHERE user_id = $1 ORDER BY doc_id", postgresQuoteIdentifier(p.tableName))
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Document{}
	for rows.Next() {
		var (
			docID   string
			payload string
		)
		if err := rows.Scan(&docID, &payload); err != nil {
			return nil, err
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", docID, err)
		}
		out = append(out, Document{ID: docID, Fields: fields})
	}
	return out, rows.Err()
}

func (p *PostgresDocuments) Close() error {
	if p == nil {
		return nil
	}
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// ensureReady opens the database and creates the table on first use. A failed
// attempt is not remembered; the next call tries again.
func (p *PostgresDocuments) ensureReady() (*sql.DB, error) {
	if p == nil {
		return nil, storage.ErrInvalidInput
	}
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			fields JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, doc_id)
		)`, postgresQuoteIdentifier(p.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	p.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
