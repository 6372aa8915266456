package models

import (
	"time"

	"github.com/punchamoorthee/txingest/internal/domain"
)

// SubmitResponse is the body of 201 responses.
type SubmitResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// FieldError names the constraint a request failed.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status string       `json:"status"`
	Errors []FieldError `json:"errors,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// TransactionResponse is the representation served by GET /transactions/{id}.
type TransactionResponse struct {
	TransactionID  string    `json:"transactionId"`
	UserID         string    `json:"userId"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	DeviceID       string    `json:"deviceId"`
	Location       string    `json:"location"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ReceivedAt     time.Time `json:"receivedAt"`
	Status         string    `json:"status"`
}

// NewTransactionResponse renders a ledger record with the amount as a decimal string.
func NewTransactionResponse(rec domain.TransactionRecord) TransactionResponse {
	return TransactionResponse{
		TransactionID:  rec.TransactionID,
		UserID:         rec.UserID,
		Amount:         rec.Amount.String(),
		Currency:       rec.Currency,
		DeviceID:       rec.DeviceID,
		Location:       rec.Location,
		IdempotencyKey: rec.IdempotencyKey,
		ReceivedAt:     rec.ReceivedAt,
		Status:         string(rec.Status),
	}
}
