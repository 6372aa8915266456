package ledger

import (
	"context"
	"sync"

	"github.com/punchamoorthee/txingest/internal/domain"
)

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu    sync.RWMutex
	ids   IDGenerator
	byID  map[string]domain.TransactionRecord
	byKey map[string]string
}

// NewMemoryLedger returns an empty ledger. A nil ids uses SequenceIDs.
func NewMemoryLedger(ids IDGenerator) *MemoryLedger {
	if ids == nil {
		ids = &SequenceIDs{}
	}
	return &MemoryLedger{
		ids:   ids,
		byID:  make(map[string]domain.TransactionRecord),
		byKey: make(map[string]string),
	}
}

func (l *MemoryLedger) Append(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransactionRecord{}, err
	}
	if err := checkRecord(rec); err != nil {
		return domain.TransactionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byKey[rec.IdempotencyKey]; ok {
		return l.byID[id], ErrDuplicate
	}
	rec.TransactionID = l.ids.NextID()
	l.byID[rec.TransactionID] = rec
	l.byKey[rec.IdempotencyKey] = rec.TransactionID
	return rec, nil
}

func (l *MemoryLedger) Get(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransactionRecord{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[transactionID]
	if !ok {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return rec, nil
}

// Len returns the number of stored records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
