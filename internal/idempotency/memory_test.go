package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(Options{Lease: testLease, Retention: testRetention, Now: clock.Now})

	committed, err := s.Reserve(ctx, "committed", "fp")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "committed", committed.Token, domain.Outcome{TransactionID: "t-1", Status: domain.StatusAccepted}))

	_, err = s.Reserve(ctx, "abandoned", "fp")
	require.NoError(t, err)

	clock.Advance(testLease + time.Second)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the abandoned reservation has expired")
	assert.Equal(t, 1, s.Len())

	clock.Advance(testRetention)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Reserve(ctx, "k1", "fp")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(Options{Lease: testLease, Retention: testRetention, Now: clock.Now})
	_, err := s.Reserve(context.Background(), "abandoned", "fp")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunSweeper(ctx, s, 5*time.Millisecond, logging.NewNop()) }()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
