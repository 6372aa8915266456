package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLedger struct {
	err error
}

func (f failingLedger) Append(context.Context, domain.TransactionRecord) (domain.TransactionRecord, error) {
	return domain.TransactionRecord{}, f.err
}

func (f failingLedger) Get(context.Context, string) (domain.TransactionRecord, error) {
	return domain.TransactionRecord{}, f.err
}

func newGuard(t *testing.T) *resilience.Guard {
	cfg := resilience.DefaultConfig()
	cfg.OpenTimeout = time.Hour
	cfg.IsExpected = IsExpected
	return resilience.NewGuard("ledger-"+t.Name(), cfg, logging.NewNop())
}

func TestResilientLedger_DuplicateKeepsRecord(t *testing.T) {
	l := NewResilientLedger(NewMemoryLedger(nil), newGuard(t))

	first, err := l.Append(context.Background(), testRecord("k1"))
	require.NoError(t, err)

	got, err := l.Append(context.Background(), testRecord("k1"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, first.TransactionID, got.TransactionID)

	_, err = l.Get(context.Background(), "t-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResilientLedger_WrapsFailures(t *testing.T) {
	l := NewResilientLedger(failingLedger{err: errors.New("disk full")}, newGuard(t))

	_, err := l.Append(context.Background(), testRecord("k1"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = l.Get(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}
