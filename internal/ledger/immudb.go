package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codenotary/immudb/pkg/api/schema"
	"github.com/codenotary/immudb/pkg/client"
	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/shopspring/decimal"
)

// ImmuSQL is the part of client.ImmuClient used by ImmuLedger.
type ImmuSQL interface {
	SQLExec(ctx context.Context, sql string, params map[string]interface{}) (*schema.SQLExecResult, error)
	SQLQuery(ctx context.Context, sql string, params map[string]interface{}, renewSnapshot bool) (*schema.SQLQueryResult, error)
}

var immuSchema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		tx_id       VARCHAR[64] NOT NULL,
		idem_key    VARCHAR[255] NOT NULL,
		fingerprint VARCHAR[64] NOT NULL,
		user_id     VARCHAR,
		amount      VARCHAR[64] NOT NULL,
		currency    VARCHAR[3] NOT NULL,
		device_id   VARCHAR,
		location    VARCHAR,
		status      VARCHAR[16] NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY tx_id
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ON transactions(idem_key)`,
}

const immuColumns = `tx_id, idem_key, fingerprint, user_id, amount, currency, device_id, location, status, received_at`

// ImmuDBConfig holds connection settings for DialImmuDB.
type ImmuDBConfig struct {
	Address  string
	Port     int
	User     string
	Password string
	Database string
}

// DialImmuDB opens a session against an immudb server.
func DialImmuDB(ctx context.Context, cfg ImmuDBConfig) (client.ImmuClient, error) {
	opts := client.DefaultOptions().
		WithAddress(cfg.Address).
		WithPort(cfg.Port)

	c := client.NewClient().WithOptions(opts)
	if err := c.OpenSession(ctx, []byte(cfg.User), []byte(cfg.Password), cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to connect to immudb: %w", err)
	}
	return c, nil
}

// ImmuLedger stores records in an immudb SQL table, which makes the ledger
// tamper-evident. The unique index on idem_key rejects a second record for the
// same key.
type ImmuLedger struct {
	db  ImmuSQL
	ids IDGenerator
}

// NewImmuLedger returns a ledger over db. A nil ids uses TimeOrderedIDs.
func NewImmuLedger(db ImmuSQL, ids IDGenerator) *ImmuLedger {
	if ids == nil {
		ids = TimeOrderedIDs{}
	}
	return &ImmuLedger{db: db, ids: ids}
}

// Migrate creates the table and index.
func (l *ImmuLedger) Migrate(ctx context.Context) error {
	for i, stmt := range immuSchema {
		if _, err := l.db.SQLExec(ctx, stmt, nil); err != nil {
			return fmt.Errorf("immudb schema statement %d: %w", i, err)
		}
	}
	return nil
}

func (l *ImmuLedger) Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if err := checkRecord(rec); err != nil {
		return domain.TransactionRecord{}, err
	}

	existing, err := l.byKey(ctx, rec.IdempotencyKey)
	if err == nil {
		return existing, ErrDuplicate
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.TransactionRecord{}, err
	}

	rec.TransactionID = l.ids.NextID()
	_, err = l.db.SQLExec(ctx,
		`INSERT INTO transactions (`+immuColumns+`)
		VALUES (@tx_id, @idem_key, @fingerprint, @user_id, @amount, @currency, @device_id, @location, @status, @received_at)`,
		map[string]interface{}{
			"tx_id":       rec.TransactionID,
			"idem_key":    rec.IdempotencyKey,
			"fingerprint": rec.Fingerprint,
			"user_id":     rec.UserID,
			"amount":      rec.Amount.String(),
			"currency":    rec.Currency,
			"device_id":   rec.DeviceID,
			"location":    rec.Location,
			"status":      string(rec.Status),
			"received_at": rec.ReceivedAt.UnixNano(),
		},
	)
	if err == nil {
		return rec, nil
	}

	// A concurrent append may have won the unique index.
	if existing, lookupErr := l.byKey(ctx, rec.IdempotencyKey); lookupErr == nil {
		return existing, ErrDuplicate
	}
	return domain.TransactionRecord{}, fmt.Errorf("failed to write transaction: %w", err)
}

func (l *ImmuLedger) Get(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	return l.queryOne(ctx, `SELECT `+immuColumns+` FROM transactions WHERE tx_id = @id`, transactionID)
}

func (l *ImmuLedger) byKey(ctx context.Context, key string) (domain.TransactionRecord, error) {
	return l.queryOne(ctx, `SELECT `+immuColumns+` FROM transactions WHERE idem_key = @id`, key)
}

func (l *ImmuLedger) queryOne(ctx context.Context, query, id string) (domain.TransactionRecord, error) {
	res, err := l.db.SQLQuery(ctx, query, map[string]interface{}{"id": id}, true)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("failed to read transaction: %w", err)
	}
	if len(res.Rows) == 0 {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return decodeImmuRow(res.Rows[0])
}

func decodeImmuRow(row *schema.Row) (domain.TransactionRecord, error) {
	if len(row.Values) < 10 {
		return domain.TransactionRecord{}, fmt.Errorf("immudb: expected 10 columns, got %d", len(row.Values))
	}
	v := row.Values
	amount, err := decimal.NewFromString(v[4].GetS())
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("immudb: bad amount %q: %w", v[4].GetS(), err)
	}
	return domain.TransactionRecord{
		TransactionID:  v[0].GetS(),
		IdempotencyKey: v[1].GetS(),
		Fingerprint:    v[2].GetS(),
		UserID:         v[3].GetS(),
		Amount:         amount,
		Currency:       v[5].GetS(),
		DeviceID:       v[6].GetS(),
		Location:       v[7].GetS(),
		Status:         domain.Status(v[8].GetS()),
		ReceivedAt:     time.Unix(0, v[9].GetN()).UTC(),
	}, nil
}
