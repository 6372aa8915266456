package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/shopspring/decimal"
)

const selectColumns = `id, idempotency_key, fingerprint, user_id, amount::text, currency, device_id, location, status, received_at`

// PostgresLedger appends to the transactions table. Identifiers come from the
// identity column and are rendered as t-<id>.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if err := checkRecord(rec); err != nil {
		return domain.TransactionRecord{}, err
	}

	var id int64
	err := l.db.QueryRow(ctx, `
		INSERT INTO transactions (idempotency_key, fingerprint, user_id, amount, currency, device_id, location, status, received_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		rec.IdempotencyKey, rec.Fingerprint, rec.UserID, rec.Amount.String(), rec.Currency,
		rec.DeviceID, rec.Location, string(rec.Status), rec.ReceivedAt,
	).Scan(&id)
	if err == nil {
		rec.TransactionID = formatID(id)
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.TransactionRecord{}, insertError(err)
	}

	// Conflict on idempotency_key: hand back what is already there.
	existing, err := l.scanOne(ctx, `SELECT `+selectColumns+` FROM transactions WHERE idempotency_key = $1`, rec.IdempotencyKey)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	return existing, ErrDuplicate
}

func (l *PostgresLedger) Get(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	id, ok := parseID(transactionID)
	if !ok {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return l.scanOne(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1`, id)
}

func (l *PostgresLedger) scanOne(ctx context.Context, query string, arg any) (domain.TransactionRecord, error) {
	var (
		rec    domain.TransactionRecord
		id     int64
		amount string
		status string
	)
	err := l.db.QueryRow(ctx, query, arg).Scan(
		&id, &rec.IdempotencyKey, &rec.Fingerprint, &rec.UserID, &amount,
		&rec.Currency, &rec.DeviceID, &rec.Location, &status, &rec.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TransactionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("transaction query failed: %w", err)
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("transaction %d: bad amount %q: %w", id, amount, err)
	}
	rec.TransactionID = formatID(id)
	rec.Status = domain.Status(status)
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return rec, nil
}

func formatID(id int64) string {
	return IDPrefix + strconv.FormatInt(id, 10)
}

func parseID(transactionID string) (int64, bool) {
	raw, ok := strings.CutPrefix(transactionID, IDPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// insertError maps rows the schema refuses (check violation, numeric overflow)
// to ErrInvalidRecord so they are not counted as outages.
func insertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "22003": // check_violation, numeric_value_out_of_range
			return fmt.Errorf("%w: %s", ErrInvalidRecord, pgErr.Message)
		}
	}
	return fmt.Errorf("transaction insert failed: %w", err)
}
