package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/txingest/internal/domain"
)

// reserveAttempts bounds the insert/select race with a concurrent release.
const reserveAttempts = 3

// PostgresStore keeps entries in the idempotency_keys table. expires_at holds
// the lease end while reserved and the retention end once committed.
type PostgresStore struct {
	db   *pgxpool.Pool
	opts Options
}

func NewPostgresStore(db *pgxpool.Pool, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrInvalidKey
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		now := s.opts.Now()
		token := newToken()

		// Insert, or take over an expired row. The WHERE clause makes the
		// takeover conditional, so a live row is left untouched and no row is returned.
		var got string
		err := s.db.QueryRow(ctx, `
			INSERT INTO idempotency_keys (key, state, token, fingerprint, expires_at)
			VALUES ($1, 'reserved', $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
				SET state = 'reserved', token = EXCLUDED.token, fingerprint = EXCLUDED.fingerprint,
				    transaction_id = NULL, status = NULL, expires_at = EXCLUDED.expires_at, created_at = now()
				WHERE idempotency_keys.expires_at <= $5
			RETURNING token`,
			key, token, fingerprint, now.Add(s.opts.Lease), now,
		).Scan(&got)
		if err == nil {
			return Reservation{Result: Reserved, Token: got}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, fmt.Errorf("key reservation failed: %w", err)
		}

		entry, found, err := s.load(ctx, key)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			continue
		}
		if entry.State == domain.EntryCommitted {
			return Reservation{Result: AlreadyCommitted, Entry: entry}, nil
		}
		return Reservation{Result: AlreadyReserved, Entry: entry}, nil
	}
	return Reservation{}, fmt.Errorf("key reservation failed: key %q kept changing", key)
}

func (s *PostgresStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	if key == "" {
		return ErrInvalidKey
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET state = 'committed', token = '', transaction_id = $3, status = $4, expires_at = $5
		WHERE key = $1 AND state = 'reserved' AND token = $2`,
		key, token, outcome.TransactionID, string(outcome.Status), s.opts.Now().Add(s.opts.Retention),
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, key, ErrReservationLost)
}

func (s *PostgresStore) Release(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrInvalidKey
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = 'reserved' AND token = $2`,
		key, token,
	)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, key, nil)
}

// Sweep deletes expired rows of either state.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// explainMiss turns a conditional write that matched nothing into the right error.
// whenMissing is returned if the row no longer exists.
func (s *PostgresStore) explainMiss(ctx context.Context, key string, whenMissing error) error {
	entry, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return whenMissing
	}
	if entry.State == domain.EntryCommitted {
		return ErrAlreadyCommitted
	}
	return ErrReservationLost
}

func (s *PostgresStore) load(ctx context.Context, key string) (domain.IdempotencyEntry, bool, error) {
	var (
		entry     domain.IdempotencyEntry
		state     string
		txID      *string
		status    *string
		expiresAt time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT state, fingerprint, transaction_id, status, expires_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&state, &entry.Fingerprint, &txID, &status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyEntry{}, false, fmt.Errorf("idempotency query failed: %w", err)
	}

	entry.Key = key
	entry.State = domain.EntryState(state)
	entry.ExpiresAt = expiresAt
	if entry.State == domain.EntryReserved {
		entry.LeaseExpiresAt = expiresAt
	}
	if txID != nil {
		entry.Outcome.TransactionID = *txID
	}
	if status != nil {
		entry.Outcome.Status = domain.Status(*status)
	}
	return entry, true, nil
}
