// Package idempotency maps idempotency keys to the outcome of the submission
// that first used them.
//
// A key moves through reserve -> commit, or reserve -> release. Reservations are
// leased: one that is neither committed nor released before its lease runs out is
// considered abandoned and the next Reserve reclaims it. Commit and Release are
// fenced by the token handed out by Reserve, so a holder whose lease was
// reclaimed can no longer touch the key.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/txingest/internal/domain"
)

const (
	DefaultLease     = 30 * time.Second
	DefaultRetention = 24 * time.Hour
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	// It is retryable and never permission to proceed without deduplication.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
	// ErrReservationLost means the caller's reservation expired and was reclaimed or removed.
	ErrReservationLost = errors.New("idempotency reservation lost")
	// ErrAlreadyCommitted means the key already holds a committed outcome.
	ErrAlreadyCommitted = errors.New("idempotency key already committed")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("idempotency key is empty")
)

// Result is the outcome of Reserve.
type Result int

const (
	Reserved Result = iota + 1
	AlreadyReserved
	AlreadyCommitted
)

func (r Result) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyCommitted:
		return "already_committed"
	default:
		return "unknown"
	}
}

// Reservation is returned by Reserve. Token is set only when Result is Reserved;
// Entry is populated for AlreadyReserved and AlreadyCommitted.
type Reservation struct {
	Result Result
	Token  string
	Entry  domain.IdempotencyEntry
}

// Store is a key-value store with conditional-write semantics.
// All methods are safe for concurrent use and atomic per key.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string) (Reservation, error)
	Commit(ctx context.Context, key, token string, outcome domain.Outcome) error
	Release(ctx context.Context, key, token string) error
}

// Sweeper is implemented by stores that need explicit removal of expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options are shared by all backends.
type Options struct {
	Lease     time.Duration
	Retention time.Duration
	// Now is the clock used for lease and retention decisions.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// IsExpected reports errors that are normal store answers rather than
// infrastructure failures.
func IsExpected(err error) bool {
	return errors.Is(err, ErrReservationLost) ||
		errors.Is(err, ErrAlreadyCommitted) ||
		errors.Is(err, ErrInvalidKey)
}

func newToken() string {
	return uuid.NewString()
}
