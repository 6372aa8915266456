// Package ledger is the durable, append-only record of accepted transactions.
//
// Records are never updated or deleted. Each idempotency key appears at most
// once: appending a second record for a key returns the record already stored
// together with ErrDuplicate.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/txingest/internal/domain"
)

var (
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicate is returned with the existing record when the idempotency
	// key already has one.
	ErrDuplicate = errors.New("transaction already recorded for idempotency key")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrInvalidRecord is returned for records the ledger refuses to store.
	ErrInvalidRecord = errors.New("invalid transaction record")
)

// Ledger stores transaction records.
type Ledger interface {
	// Append assigns a TransactionID and persists rec.
	Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error)
	Get(ctx context.Context, transactionID string) (domain.TransactionRecord, error)
}

// IsExpected reports errors that are normal ledger answers.
func IsExpected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrInvalidRecord)
}

func checkRecord(rec domain.TransactionRecord) error {
	if rec.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is empty", ErrInvalidRecord)
	}
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRecord)
	}
	return nil
}
