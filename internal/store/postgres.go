package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		fingerprint     TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		amount          NUMERIC NOT NULL CHECK (amount > 0),
		currency        CHAR(3) NOT NULL,
		device_id       TEXT NOT NULL,
		location        TEXT NOT NULL,
		status          TEXT NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_key_idx ON transactions (idempotency_key)`,
	// The ledger is append-only.
	`CREATE OR REPLACE FUNCTION transactions_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'transactions is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS transactions_no_mutation ON transactions`,
	`CREATE TRIGGER transactions_no_mutation BEFORE UPDATE OR DELETE ON transactions
		FOR EACH ROW EXECUTE FUNCTION transactions_append_only()`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key            TEXT PRIMARY KEY,
		state          TEXT NOT NULL,
		token          TEXT NOT NULL DEFAULT '',
		fingerprint    TEXT NOT NULL,
		transaction_id TEXT,
		status         TEXT,
		expires_at     TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at_idx ON idempotency_keys (expires_at)`,
}

// Store owns the Postgres connection pool shared by the ledger and the
// idempotency store.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Store) Close() {
	s.Db.Close()
}
