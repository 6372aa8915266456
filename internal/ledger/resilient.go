package ledger

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/resilience"
)

// ResilientLedger runs every call through a resilience.Guard. Infrastructure
// failures come back wrapped in ErrUnavailable; ErrDuplicate still carries the
// existing record.
type ResilientLedger struct {
	ledger Ledger
	guard  *resilience.Guard
}

func NewResilientLedger(l Ledger, guard *resilience.Guard) *ResilientLedger {
	return &ResilientLedger{ledger: l, guard: guard}
}

func (l *ResilientLedger) Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	var out domain.TransactionRecord
	err := l.guard.Do(ctx, "append", func(ctx context.Context) error {
		var err error
		out, err = l.ledger.Append(ctx, rec)
		return err
	})
	return out, unavailable(err)
}

func (l *ResilientLedger) Get(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	var out domain.TransactionRecord
	err := l.guard.Do(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = l.ledger.Get(ctx, transactionID)
		return err
	})
	return out, unavailable(err)
}

func unavailable(err error) error {
	if err == nil || IsExpected(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
