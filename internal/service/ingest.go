package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/idempotency"
	"github.com/punchamoorthee/txingest/internal/ledger"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/validation"
	"go.uber.org/zap"
)

var (
	ErrConflict           = errors.New("request in progress")
	ErrKeyReuse           = errors.New("key reuse with mismatched payload")
	ErrUnavailable        = errors.New("service temporarily unavailable")
	ErrInvariantViolation = errors.New("committed idempotency key has no ledger record")
	ErrNotFound           = errors.New("transaction not found")
)

const DefaultCleanupTimeout = 5 * time.Second

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "txingest_submissions_total",
	Help: "Transaction submissions by outcome",
}, []string{"outcome"})

type Options struct {
	// CleanupTimeout bounds Commit and Release, which run detached from the
	// caller's context.
	CleanupTimeout time.Duration
	Now            func() time.Time
}

// Coordinator runs the validate, reserve, append, commit protocol.
type Coordinator struct {
	validator validation.Validator
	store     idempotency.Store
	ledger    ledger.Ledger
	logger    *logging.Logger
	opts      Options
}

func NewCoordinator(v validation.Validator, store idempotency.Store, l ledger.Ledger, logger *logging.Logger, opts Options) *Coordinator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		validator: v,
		store:     store,
		ledger:    l,
		logger:    logger.Named("coordinator"),
		opts:      opts,
	}
}

// resolveKey returns the caller's key, or derives one from the payload and
// nonce. Without a nonce the derived key is random and never dedupes.
func resolveKey(tx domain.ValidatedTransaction) string {
	if tx.IdempotencyKey != "" {
		return tx.IdempotencyKey
	}
	nonce := tx.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	return validation.DeriveKey(tx, nonce)
}

// Submit records req at most once per idempotency key.
//
// Validation failures come back as *validation.Error and touch no storage.
// A repeated submission returns the first receipt with Replayed set.
func (c *Coordinator) Submit(ctx context.Context, req domain.TransactionRequest) (domain.Receipt, error) {
	tx, err := c.validator.Validate(req)
	if err != nil {
		submissions.WithLabelValues("rejected").Inc()
		return domain.Receipt{}, err
	}
	tx.IdempotencyKey = resolveKey(tx)
	log := c.logger.With(zap.String("idempotency_key", tx.IdempotencyKey))

	res, err := c.store.Reserve(ctx, tx.IdempotencyKey, tx.Fingerprint)
	if err != nil {
		log.Warn("reserve failed", zap.Error(err))
		submissions.WithLabelValues("unavailable").Inc()
		return domain.Receipt{}, fmt.Errorf("%w: reserve: %w", ErrUnavailable, err)
	}

	switch res.Result {
	case idempotency.AlreadyCommitted:
		return c.replay(ctx, tx, res.Entry, log)
	case idempotency.AlreadyReserved:
		submissions.WithLabelValues("conflict").Inc()
		return domain.Receipt{}, ErrConflict
	}

	rec, err := c.ledger.Append(ctx, domain.NewRecord(tx, c.opts.Now()))
	duplicate := errors.Is(err, ledger.ErrDuplicate)
	if errors.Is(err, ledger.ErrInvalidRecord) {
		log.Info("ledger refused record", zap.Error(err))
		c.release(ctx, tx.IdempotencyKey, res.Token, log)
		submissions.WithLabelValues("rejected").Inc()
		return domain.Receipt{}, &validation.Error{Field: "amount", Reason: "is out of range"}
	}
	if err != nil && !duplicate {
		log.Warn("ledger append failed", zap.Error(err))
		c.release(ctx, tx.IdempotencyKey, res.Token, log)
		submissions.WithLabelValues("unavailable").Inc()
		return domain.Receipt{}, fmt.Errorf("%w: append: %w", ErrUnavailable, err)
	}
	if duplicate {
		// The ledger outlived the idempotency entry (retention, store loss, or a
		// crash before commit). Its record is the outcome.
		if rec.Fingerprint != "" && rec.Fingerprint != tx.Fingerprint {
			c.release(ctx, tx.IdempotencyKey, res.Token, log)
			submissions.WithLabelValues("key_reuse").Inc()
			return domain.Receipt{}, ErrKeyReuse
		}
		log.Info("ledger already holds key, restoring outcome", zap.String("transaction_id", rec.TransactionID))
	}

	outcome := domain.Outcome{TransactionID: rec.TransactionID, Status: rec.Status}
	if err := c.commit(ctx, tx.IdempotencyKey, res.Token, outcome); err != nil {
		switch {
		case errors.Is(err, idempotency.ErrAlreadyCommitted):
			// Our lease was reclaimed and the new holder committed. The ledger
			// de-duplicated, so the outcome is the same.
		case errors.Is(err, idempotency.ErrReservationLost):
			log.Warn("reservation lost before commit", zap.String("transaction_id", rec.TransactionID))
			submissions.WithLabelValues("conflict").Inc()
			return domain.Receipt{}, ErrConflict
		default:
			log.Warn("commit failed", zap.Error(err), zap.String("transaction_id", rec.TransactionID))
			c.release(ctx, tx.IdempotencyKey, res.Token, log)
			submissions.WithLabelValues("unavailable").Inc()
			return domain.Receipt{}, fmt.Errorf("%w: commit: %w", ErrUnavailable, err)
		}
	}

	if duplicate {
		submissions.WithLabelValues("replayed").Inc()
	} else {
		submissions.WithLabelValues("accepted").Inc()
	}
	return domain.Receipt{TransactionID: rec.TransactionID, Status: rec.Status, Replayed: duplicate}, nil
}

// Lookup returns a recorded transaction.
func (c *Coordinator) Lookup(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	rec, err := c.ledger.Get(ctx, transactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.TransactionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: lookup: %w", ErrUnavailable, err)
	}
	return rec, nil
}

func (c *Coordinator) replay(ctx context.Context, tx domain.ValidatedTransaction, entry domain.IdempotencyEntry, log *logging.Logger) (domain.Receipt, error) {
	if entry.Fingerprint != tx.Fingerprint {
		submissions.WithLabelValues("key_reuse").Inc()
		return domain.Receipt{}, ErrKeyReuse
	}

	_, err := c.ledger.Get(ctx, entry.Outcome.TransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Error("committed idempotency key has no ledger record",
			zap.Bool("alert", true),
			zap.String("transaction_id", entry.Outcome.TransactionID),
		)
		submissions.WithLabelValues("invariant_violation").Inc()
		return domain.Receipt{}, ErrInvariantViolation
	}
	if err != nil {
		log.Warn("ledger check failed", zap.Error(err))
		submissions.WithLabelValues("unavailable").Inc()
		return domain.Receipt{}, fmt.Errorf("%w: replay: %w", ErrUnavailable, err)
	}

	submissions.WithLabelValues("replayed").Inc()
	return domain.Receipt{
		TransactionID: entry.Outcome.TransactionID,
		Status:        entry.Outcome.Status,
		Replayed:      true,
	}, nil
}

func (c *Coordinator) commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
	defer cancel()
	return c.store.Commit(ctx, key, token, outcome)
}

// release is best effort: if it fails the lease reclaims the key.
func (c *Coordinator) release(ctx context.Context, key, token string, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
	defer cancel()
	if err := c.store.Release(ctx, key, token); err != nil {
		log.Warn("release failed, key stays reserved until the lease expires", zap.Error(err))
	}
}
