package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationDocumentsRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	docs, err := NewPostgresDocuments(dsn)
	require.NoError(t, err)
	docs.tableName = postgresIntegrationTableName("meterbook_documents_it")
	t.Cleanup(func() {
		_ = docs.Close()
		postgresIntegrationDropTable(t, dsn, docs.tableName)
	})

	ctx := context.Background()
	_, ok, err := docs.GetDocument(ctx, "u1", "user_settings")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, docs.MergeDocument(ctx, "u1", "user_settings", map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}))
	require.NoError(t, docs.MergeDocument(ctx, "u1", "user_settings", map[string]json.RawMessage{"currency": json.RawMessage(`"EUR"`)}))
	fields, ok, err := docs.GetDocument(ctx, "u1", "user_settings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"dark"`, string(fields["theme"]))
	assert.JSONEq(t, `"EUR"`, string(fields["currency"]))

	require.NoError(t, docs.DeleteField(ctx, "u1", "user_settings", "theme"))
	fields, _, err = docs.GetDocument(ctx, "u1", "user_settings")
	require.NoError(t, err)
	assert.NotContains(t, fields, "theme")

	require.NoError(t, docs.SetDocument(ctx, "u1", "tariffs", map[string]json.RawMessage{"value": json.RawMessage(`[1,2]`)}))
	require.NoError(t, docs.SetDocument(ctx, "u1", "tariffs", map[string]json.RawMessage{"value": json.RawMessage(`[3]`)}))
	list, err := docs.ListDocuments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tariffs", list[0].ID)
	assert.JSONEq(t, `[3]`, string(list[0].Fields["value"]))

	require.NoError(t, docs.DeleteDocument(ctx, "u1", "tariffs"))
	list, err = docs.ListDocuments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("METERBOOK_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set METERBOOK_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
