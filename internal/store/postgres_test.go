package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_AppendOnlyLedger(t *testing.T) {
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx := context.Background()

	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are repeatable")
	require.NoError(t, s.Ping(ctx))

	_, err = s.Db.Exec(ctx, `
		INSERT INTO transactions (idempotency_key, fingerprint, user_id, amount, currency, device_id, location, status, received_at)
		VALUES ('store-test-' || gen_random_uuid(), 'fp', 'u1', 1.00, 'USD', 'd1', 'NYC', 'Accepted', now())`)
	require.NoError(t, err)

	_, err = s.Db.Exec(ctx, `UPDATE transactions SET status = 'Rejected'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.Db.Exec(ctx, `DELETE FROM transactions`)
	assert.ErrorContains(t, err, "append-only")

	_, err = s.Db.Exec(ctx, `INSERT INTO transactions (idempotency_key, fingerprint, user_id, amount, currency, device_id, location, status, received_at)
		VALUES ('store-test-negative', 'fp', 'u1', -1, 'USD', 'd1', 'NYC', 'Accepted', now())`)
	assert.Error(t, err, "non-positive amounts are rejected by the schema")
}

func TestNewStore_BadConnString(t *testing.T) {
	_, err := NewStore(context.Background(), "://not a dsn")
	assert.Error(t, err)
}
