// Package validation checks submitted transactions before anything touches storage.
package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultMaxFractionDigits = 2
	DefaultMaxIntegerDigits  = 15
	DefaultMaxFieldLength    = 256
	MaxIdempotencyKeyLength  = 255

	derivedKeyPrefix = "drv_"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Error reports exactly which constraint a request failed.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Validator is pure and deterministic: no I/O, same input same result.
type Validator struct {
	MaxFractionDigits int
	MaxIntegerDigits  int
	MaxFieldLength    int
}

func New(maxFractionDigits int) Validator {
	return Validator{
		MaxFractionDigits: maxFractionDigits,
		MaxIntegerDigits:  DefaultMaxIntegerDigits,
		MaxFieldLength:    DefaultMaxFieldLength,
	}
}

// Validate checks the request in a fixed order and stops at the first failure.
func (v Validator) Validate(req domain.TransactionRequest) (domain.ValidatedTransaction, error) {
	maxLen := v.MaxFieldLength
	if maxLen <= 0 {
		maxLen = DefaultMaxFieldLength
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.ValidatedTransaction{}, &Error{Field: "userId", Reason: "is required"}
	}

	amount, err := v.parseAmount(req.Amount)
	if err != nil {
		return domain.ValidatedTransaction{}, err
	}

	currency := req.Currency
	if !currencyPattern.MatchString(currency) {
		return domain.ValidatedTransaction{}, &Error{Field: "currency", Reason: "must be a 3-letter uppercase ISO-4217 code"}
	}

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return domain.ValidatedTransaction{}, &Error{Field: "deviceId", Reason: "is required"}
	}

	location := strings.TrimSpace(req.Location)
	if location == "" {
		return domain.ValidatedTransaction{}, &Error{Field: "location", Reason: "is required"}
	}

	for _, f := range []struct{ name, value string }{
		{"userId", userID},
		{"deviceId", deviceID},
		{"location", location},
	} {
		if len(f.value) > maxLen {
			return domain.ValidatedTransaction{}, &Error{Field: f.name, Reason: fmt.Sprintf("must be at most %d characters", maxLen)}
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > MaxIdempotencyKeyLength {
		return domain.ValidatedTransaction{}, &Error{Field: "idempotencyKey", Reason: fmt.Sprintf("must be at most %d characters", MaxIdempotencyKeyLength)}
	}

	tx := domain.ValidatedTransaction{
		UserID:   userID,
		Amount:   amount,
		Currency: currency,
		DeviceID: deviceID,
		Location: location,
	}
	tx.Fingerprint = Fingerprint(tx)
	tx.IdempotencyKey = key
	tx.Nonce = strings.TrimSpace(req.Nonce)

	return tx, nil
}

func (v Validator) parseAmount(raw domain.RawAmount) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return decimal.Decimal{}, &Error{Field: "amount", Reason: "is required"}
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &Error{Field: "amount", Reason: "must be a decimal number"}
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, &Error{Field: "amount", Reason: "must be positive"}
	}

	// Bounded before anything expands the coefficient: 1e2000000 is tiny to parse.
	digits := len(new(big.Int).Abs(amount.Coefficient()).String())
	exp := int(amount.Exponent())
	maxInt := v.MaxIntegerDigits
	if maxInt <= 0 {
		maxInt = DefaultMaxIntegerDigits
	}
	if digits+exp > maxInt {
		return decimal.Decimal{}, &Error{Field: "amount", Reason: fmt.Sprintf("must be at most %d digits", maxInt)}
	}
	if v.MaxFractionDigits >= 0 && -exp > v.MaxFractionDigits {
		tooPrecise := &Error{Field: "amount", Reason: fmt.Sprintf("must have at most %d decimal places", v.MaxFractionDigits)}
		// More dropped places than coefficient digits can only be nonzero.
		if -exp-v.MaxFractionDigits > digits {
			return decimal.Decimal{}, tooPrecise
		}
		if !amount.Equal(amount.Truncate(int32(v.MaxFractionDigits))) {
			return decimal.Decimal{}, tooPrecise
		}
	}
	return amount, nil
}

// Fingerprint hashes the canonical payload. Two requests that differ only in
// formatting (e.g. "100" and "100.00") share a fingerprint.
func Fingerprint(tx domain.ValidatedTransaction) string {
	return hashFields(tx.UserID, tx.Amount.String(), tx.Currency, tx.DeviceID, tx.Location)
}

// DeriveKey builds an idempotency key for callers that did not supply one.
// The same transaction and nonce always derive the same key.
func DeriveKey(tx domain.ValidatedTransaction, nonce string) string {
	return derivedKeyPrefix + hashFields(tx.UserID, tx.Amount.String(), tx.Currency, tx.DeviceID, tx.Location, nonce)
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
