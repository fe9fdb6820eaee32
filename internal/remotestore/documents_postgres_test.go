package remotestore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDocumentsRetriesFailedInit(t *testing.T) {
	docs, err := NewPostgresDocuments("postgres://meterbook@127.0.0.1:1/meterbook?sslmode=disable")
	require.NoError(t, err)

	attempts := 0
	failures := []error{errors.New("connection refused"), errors.New("too many clients")}
	docs.openDB = func(driverName, dsn string) (*sql.DB, error) {
		attempts++
		assert.Equal(t, "postgres", driverName)
		return nil, failures[(attempts-1)%len(failures)]
	}

	ctx := context.Background()
	_, _, err = docs.GetDocument(ctx, "u1", "tariffs")
	assert.EqualError(t, err, "connection refused")
	err = docs.SetDocument(ctx, "u1", "tariffs", nil)
	assert.EqualError(t, err, "too many clients")
	_, err = docs.ListDocuments(ctx, "u1")
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, 3, attempts)

	require.NoError(t, docs.Close())
}
