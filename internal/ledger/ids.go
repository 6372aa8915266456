package ledger

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDPrefix starts every transaction identifier.
const IDPrefix = "t-"

// IDGenerator hands out transaction identifiers. Implementations must be safe
// for concurrent use and never repeat an identifier.
type IDGenerator interface {
	NextID() string
}

// SequenceIDs yields t-1, t-2, ...
type SequenceIDs struct {
	n atomic.Uint64
}

func (s *SequenceIDs) NextID() string {
	return IDPrefix + strconv.FormatUint(s.n.Add(1), 10)
}

// TimeOrderedIDs yields UUIDv7 identifiers, which sort by creation time.
type TimeOrderedIDs struct{}

func (TimeOrderedIDs) NextID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return IDPrefix + uuid.NewString()
	}
	return IDPrefix + id.String()
}
