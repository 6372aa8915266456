package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/idempotency"
	"github.com/punchamoorthee/txingest/internal/ledger"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyLedger fails Append while fail or refuse is set and can run a hook
// after Append.
type flakyLedger struct {
	*ledger.MemoryLedger
	fail     atomic.Bool
	refuse   atomic.Bool
	onAppend func(ctx context.Context)
}

func (l *flakyLedger) Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if l.fail.Load() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: connection refused", ledger.ErrUnavailable)
	}
	if l.refuse.Load() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: numeric field overflow", ledger.ErrInvalidRecord)
	}
	rec, err := l.MemoryLedger.Append(ctx, rec)
	if l.onAppend != nil {
		l.onAppend(ctx)
	}
	return rec, err
}

// flakyStore fails selected operations while the flag is set.
type flakyStore struct {
	*idempotency.MemoryStore
	failReserve atomic.Bool
	failCommit  atomic.Bool

	mu        sync.Mutex
	commitCtx error
}

func (s *flakyStore) Reserve(ctx context.Context, key, fp string) (idempotency.Reservation, error) {
	if s.failReserve.Load() {
		return idempotency.Reservation{}, idempotency.ErrStoreUnavailable
	}
	return s.MemoryStore.Reserve(ctx, key, fp)
}

func (s *flakyStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	s.mu.Lock()
	s.commitCtx = ctx.Err()
	s.mu.Unlock()
	if s.failCommit.Load() {
		return idempotency.ErrStoreUnavailable
	}
	return s.MemoryStore.Commit(ctx, key, token, outcome)
}

type fixture struct {
	coord  *Coordinator
	store  *flakyStore
	ledger *flakyLedger
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := &flakyStore{MemoryStore: idempotency.NewMemoryStore(idempotency.Options{
		Lease:     30 * time.Second,
		Retention: 24 * time.Hour,
		Now:       clk.Now,
	})}
	l := &flakyLedger{MemoryLedger: ledger.NewMemoryLedger(nil)}
	coord := NewCoordinator(validation.New(2), store, l, logging.NewNop(), Options{Now: clk.Now})
	return &fixture{coord: coord, store: store, ledger: l, clock: clk}
}

func request(key, amount string) domain.TransactionRequest {
	return domain.TransactionRequest{
		UserID:         "u1",
		Amount:         domain.RawAmount(amount),
		Currency:       "USD",
		DeviceID:       "d1",
		Location:       "NYC",
		IdempotencyKey: key,
	}
}

func TestSubmit_AcceptsAndReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Submit(ctx, request("k1", "10.50"))
	require.NoError(t, err)
	assert.Equal(t, domain.Receipt{TransactionID: "t-1", Status: domain.StatusAccepted}, first)

	second, err := f.coord.Submit(ctx, request("k1", "10.50"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", second.TransactionID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.ledger.Len())

	rec, err := f.coord.Lookup(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "10.5", rec.Amount.String())
	assert.Equal(t, f.clock.Now(), rec.ReceivedAt)
}

func TestSubmit_FormattingDoesNotChangeFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, request("k1", "100"))
	require.NoError(t, err)

	again, err := f.coord.Submit(ctx, request("k1", "100.00"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestSubmit_ValidationTouchesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Submit(context.Background(), request("k1", "-5"))
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Equal(t, "must be positive", verr.Reason)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.ledger.Len())
}

func TestSubmit_KeyReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)

	_, err = f.coord.Submit(ctx, request("k1", "11"))
	assert.ErrorIs(t, err, ErrKeyReuse)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestSubmit_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       = map[string]int{}
		conflicts atomic.Int32
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r, err := f.coord.Submit(context.Background(), request("hot", "1"))
			if errors.Is(err, ErrConflict) {
				conflicts.Add(1)
				return
			}
			if assert.NoError(t, err) {
				mu.Lock()
				ids[r.TransactionID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1, "every success reports the same transaction")
	assert.Equal(t, 1, f.ledger.Len())
	total := int(conflicts.Load())
	for _, c := range ids {
		total += c
	}
	assert.Equal(t, n, total)
}

func TestSubmit_ConcurrentDistinctKeys(t *testing.T) {
	f := newFixture(t)

	const m = 40
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	wg.Add(m)
	for i := 0; i < m; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := f.coord.Submit(context.Background(), request(fmt.Sprintf("key-%d", i), "1"))
			if assert.NoError(t, err) {
				mu.Lock()
				ids[r.TransactionID] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, m)
	assert.Equal(t, m, f.ledger.Len())
}

func TestSubmit_AppendFailureReleasesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.fail.Store(true)
	_, err := f.coord.Submit(ctx, request("k1", "10"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, f.store.Len(), "reservation must be released")

	f.ledger.fail.Store(false)
	r, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)
	assert.False(t, r.Replayed)
}

func TestSubmit_LedgerRefusalIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.refuse.Store(true)
	_, err := f.coord.Submit(ctx, request("k1", "10"))
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.NotErrorIs(t, err, ErrUnavailable)

	f.ledger.refuse.Store(false)
	r, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err, "key was released")
	assert.False(t, r.Replayed)
}

func TestSubmit_OversizedAmountNeverReachesStorage(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Submit(context.Background(), request("k1", "1e2000000"))
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Equal(t, 0, f.ledger.Len())
	assert.Equal(t, 0, f.store.Len())
}

func TestSubmit_ReserveFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failReserve.Store(true)

	_, err := f.coord.Submit(context.Background(), request("k1", "10"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, idempotency.ErrStoreUnavailable)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestSubmit_CommitFailureIsSafeToRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.failCommit.Store(true)
	_, err := f.coord.Submit(ctx, request("k1", "10"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 1, f.ledger.Len())

	f.store.failCommit.Store(false)
	r, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", r.TransactionID)
	assert.True(t, r.Replayed)
	assert.Equal(t, 1, f.ledger.Len())

	again, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", again.TransactionID)
}

func TestSubmit_LeaseReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := validation.New(2).Validate(request("k1", "10"))
	require.NoError(t, err)
	_, err = f.store.Reserve(ctx, "k1", tx.Fingerprint)
	require.NoError(t, err)

	_, err = f.coord.Submit(ctx, request("k1", "10"))
	assert.ErrorIs(t, err, ErrConflict)

	f.clock.Advance(31 * time.Second)

	r, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", r.TransactionID)
}

func TestSubmit_InvariantViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := validation.New(2).Validate(request("k1", "10"))
	require.NoError(t, err)
	res, err := f.store.Reserve(ctx, "k1", tx.Fingerprint)
	require.NoError(t, err)
	require.NoError(t, f.store.Commit(ctx, "k1", res.Token, domain.Outcome{TransactionID: "t-77", Status: domain.StatusAccepted}))

	_, err = f.coord.Submit(ctx, request("k1", "10"))
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSubmit_CallerGoneAfterAppend(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.ledger.onAppend = func(context.Context) { cancel() }

	r, err := f.coord.Submit(ctx, request("k1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", r.TransactionID)
	assert.NoError(t, f.store.commitCtx, "commit runs on a detached context")

	f.ledger.onAppend = nil
	again, err := f.coord.Submit(context.Background(), request("k1", "10"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestSubmit_DerivedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request("", "10")
	req.Nonce = "n-1"
	a, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	b, err := f.coord.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a.TransactionID, b.TransactionID)

	noNonce := request("", "10")
	c, err := f.coord.Submit(ctx, noNonce)
	require.NoError(t, err)
	d, err := f.coord.Submit(ctx, noNonce)
	require.NoError(t, err)
	assert.NotEqual(t, c.TransactionID, d.TransactionID)
}

func TestLookup(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Lookup(context.Background(), "t-404")
	assert.ErrorIs(t, err, ErrNotFound)
}
