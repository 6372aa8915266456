package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/models"
	"github.com/punchamoorthee/txingest/internal/service"
	"github.com/punchamoorthee/txingest/internal/validation"
	"go.uber.org/zap"
)

const (
	transactionsEndpoint = "/transactions"
	transactionEndpoint  = "/transactions/{transactionId}"
	healthEndpoint       = "/health"
)

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	respond(w, r, healthEndpoint, code, status)
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodPost, transactionsEndpoint))
	defer timer.ObserveDuration()

	var req domain.TransactionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			respondWithFieldError(w, r, transactionsEndpoint, http.StatusUnprocessableEntity, typeErr.Field, typeReason(typeErr))
			return
		}
		respondWithFieldError(w, r, transactionsEndpoint, http.StatusBadRequest, "body", "malformed JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	ctx := r.Context()
	if h.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.SubmitTimeout)
		defer cancel()
	}

	receipt, err := h.svc.Submit(ctx, req)
	if err != nil {
		h.submitError(w, r, err)
		return
	}

	w.Header().Set("Location", "/transactions/"+receipt.TransactionID)
	if receipt.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	respond(w, r, transactionsEndpoint, http.StatusCreated, models.SubmitResponse{
		TransactionID: receipt.TransactionID,
		Status:        string(receipt.Status),
	})
}

func typeReason(err *json.UnmarshalTypeError) string {
	if err.Type == reflect.TypeOf(domain.RawAmount("")) {
		return "must be a number or a numeric string"
	}
	if err.Type.Kind() == reflect.String {
		return "must be a string"
	}
	return "has the wrong type"
}

func (h *Handler) submitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		respondWithFieldError(w, r, transactionsEndpoint, http.StatusUnprocessableEntity, verr.Field, verr.Reason)
	case errors.Is(err, service.ErrKeyReuse):
		respondWithFieldError(w, r, transactionsEndpoint, http.StatusUnprocessableEntity, "idempotencyKey", "was already used with a different payload")
	case errors.Is(err, service.ErrConflict):
		h.retryAfter(w)
		respondWithStatus(w, r, transactionsEndpoint, http.StatusConflict, "Conflict")
	case errors.Is(err, service.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.retryAfter(w)
		respondWithStatus(w, r, transactionsEndpoint, http.StatusServiceUnavailable, "Unavailable")
	case errors.Is(err, service.ErrInvariantViolation):
		respondWithStatus(w, r, transactionsEndpoint, http.StatusInternalServerError, "Error")
	default:
		h.logger.Error("unexpected submit error", zap.Error(err))
		respondWithStatus(w, r, transactionsEndpoint, http.StatusInternalServerError, "Error")
	}
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(http.MethodGet, transactionEndpoint))
	defer timer.ObserveDuration()

	rec, err := h.svc.Lookup(r.Context(), mux.Vars(r)["transactionId"])
	switch {
	case err == nil:
		respond(w, r, transactionEndpoint, http.StatusOK, models.NewTransactionResponse(rec))
	case errors.Is(err, service.ErrNotFound):
		respondWithStatus(w, r, transactionEndpoint, http.StatusNotFound, "NotFound")
	case errors.Is(err, service.ErrUnavailable):
		h.retryAfter(w)
		respondWithStatus(w, r, transactionEndpoint, http.StatusServiceUnavailable, "Unavailable")
	default:
		h.logger.Error("unexpected lookup error", zap.Error(err))
		respondWithStatus(w, r, transactionEndpoint, http.StatusInternalServerError, "Error")
	}
}
