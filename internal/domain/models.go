package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the recorded outcome of a submission.
type Status string

const (
	StatusAccepted Status = "Accepted"
	StatusRejected Status = "Rejected"
)

// RawAmount keeps the amount exactly as the caller sent it. JSON numbers and
// JSON strings are both accepted so that no float conversion ever happens.
type RawAmount string

func (a *RawAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = RawAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return &json.UnmarshalTypeError{Value: "non-numeric value", Type: reflect.TypeOf(RawAmount("")), Field: "amount"}
	}
	*a = RawAmount(n.String())
	return nil
}

// TransactionRequest is the caller input. It is request-scoped and never stored as-is.
type TransactionRequest struct {
	UserID         string    `json:"userId"`
	Amount         RawAmount `json:"amount"`
	Currency       string    `json:"currency"`
	DeviceID       string    `json:"deviceId"`
	Location       string    `json:"location"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	// Nonce only feeds key derivation when IdempotencyKey is empty.
	Nonce string `json:"nonce,omitempty"`
}

// ValidatedTransaction is what the validator hands to the coordinator.
type ValidatedTransaction struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	DeviceID       string
	Location       string
	IdempotencyKey string
	Nonce          string
	Fingerprint    string
}

// TransactionRecord is the immutable ledger row.
type TransactionRecord struct {
	TransactionID  string          `json:"transactionId"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	DeviceID       string          `json:"deviceId"`
	Location       string          `json:"location"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Fingerprint    string          `json:"-"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	Status         Status          `json:"status"`
}

// NewRecord builds the record to append for a validated transaction.
// TransactionID is left empty; the ledger assigns it.
func NewRecord(tx ValidatedTransaction, receivedAt time.Time) TransactionRecord {
	return TransactionRecord{
		UserID:         tx.UserID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		DeviceID:       tx.DeviceID,
		Location:       tx.Location,
		IdempotencyKey: tx.IdempotencyKey,
		Fingerprint:    tx.Fingerprint,
		ReceivedAt:     receivedAt.UTC(),
		Status:         StatusAccepted,
	}
}

// EntryState is the sub-state of an idempotency entry.
type EntryState string

const (
	EntryReserved  EntryState = "reserved"
	EntryCommitted EntryState = "committed"
)

// Outcome is what a committed idempotency entry remembers.
type Outcome struct {
	TransactionID string `json:"transaction_id"`
	Status        Status `json:"status"`
}

// IdempotencyEntry holds the state of one idempotency key.
type IdempotencyEntry struct {
	Key            string     `json:"key"`
	State          EntryState `json:"state"`
	Token          string     `json:"token,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	Outcome        Outcome    `json:"outcome"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Receipt is returned to the caller of a successful (or replayed) submission.
type Receipt struct {
	TransactionID string
	Status        Status
	Replayed      bool
}
