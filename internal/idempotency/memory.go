package idempotency

import (
	"context"
	"sync"

	"github.com/punchamoorthee/txingest/internal/domain"
)

// MemoryStore keeps entries in process memory. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]domain.IdempotencyEntry
	opts    Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]domain.IdempotencyEntry),
		opts:    opts.withDefaults(),
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}

	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		switch {
		case e.State == domain.EntryCommitted && now.Before(e.ExpiresAt):
			return Reservation{Result: AlreadyCommitted, Entry: e}, nil
		case e.State == domain.EntryReserved && now.Before(e.LeaseExpiresAt):
			e.Token = ""
			return Reservation{Result: AlreadyReserved, Entry: e}, nil
		}
	}

	token := newToken()
	leaseEnd := now.Add(s.opts.Lease)
	s.entries[key] = domain.IdempotencyEntry{
		Key:            key,
		State:          domain.EntryReserved,
		Token:          token,
		Fingerprint:    fingerprint,
		LeaseExpiresAt: leaseEnd,
		ExpiresAt:      leaseEnd,
	}
	return Reservation{Result: Reserved, Token: token}, nil
}

func (s *MemoryStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrReservationLost
	}
	if e.State == domain.EntryCommitted {
		return ErrAlreadyCommitted
	}
	if e.Token != token {
		return ErrReservationLost
	}

	e.State = domain.EntryCommitted
	e.Token = ""
	e.Outcome = outcome
	e.ExpiresAt = now.Add(s.opts.Retention)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.State == domain.EntryCommitted {
		return ErrAlreadyCommitted
	}
	if e.Token != token {
		return ErrReservationLost
	}
	delete(s.entries, key)
	return nil
}

// Sweep drops expired committed entries and abandoned reservations.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
