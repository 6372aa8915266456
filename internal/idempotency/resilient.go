package idempotency

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/resilience"
)

// ResilientStore runs every call through a resilience.Guard and reports any
// infrastructure failure as ErrStoreUnavailable.
type ResilientStore struct {
	store Store
	guard *resilience.Guard
}

func NewResilientStore(store Store, guard *resilience.Guard) *ResilientStore {
	return &ResilientStore{store: store, guard: guard}
}

func (s *ResilientStore) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	var res Reservation
	err := s.guard.Do(ctx, "reserve", func(ctx context.Context) error {
		var err error
		res, err = s.store.Reserve(ctx, key, fingerprint)
		return err
	})
	return res, unavailable(err)
}

func (s *ResilientStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	return unavailable(s.guard.Do(ctx, "commit", func(ctx context.Context) error {
		return s.store.Commit(ctx, key, token, outcome)
	}))
}

func (s *ResilientStore) Release(ctx context.Context, key, token string) error {
	return unavailable(s.guard.Do(ctx, "release", func(ctx context.Context) error {
		return s.store.Release(ctx, key, token)
	}))
}

// Sweep forwards to the wrapped store when it supports sweeping.
func (s *ResilientStore) Sweep(ctx context.Context) (int, error) {
	sw, ok := s.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	var n int
	err := s.guard.Do(ctx, "sweep", func(ctx context.Context) error {
		var err error
		n, err = sw.Sweep(ctx)
		return err
	})
	return n, unavailable(err)
}

func unavailable(err error) error {
	if err == nil || IsExpected(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
