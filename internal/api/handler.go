package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txingest_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "txingest_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 64 << 10

// Coordinator is the ingestion service behind the handlers.
type Coordinator interface {
	Submit(ctx context.Context, req domain.TransactionRequest) (domain.Receipt, error)
	Lookup(ctx context.Context, transactionID string) (domain.TransactionRecord, error)
}

// Pinger is a dependency reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// SubmitTimeout bounds one POST /transactions call. Zero means no limit
	// beyond the request context.
	SubmitTimeout time.Duration
	// RetryAfter is sent with 409 and 503 responses.
	RetryAfter time.Duration
}

type Handler struct {
	svc    Coordinator
	deps   map[string]Pinger
	logger *logging.Logger
	opts   Options
}

func NewHandler(svc Coordinator, deps map[string]Pinger, logger *logging.Logger, opts Options) *Handler {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	return &Handler{svc: svc, deps: deps, logger: logger.Named("api"), opts: opts}
}

// NewRouter mounts the transaction routes, /health and /metrics behind the
// access log and security header middleware.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogging(h.logger), SecurityHeaders)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{transactionId}", h.GetTransactionHandler).Methods(http.MethodGet)
	return r
}

func (h *Handler) retryAfter(w http.ResponseWriter) {
	secs := int(h.opts.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func respond(w http.ResponseWriter, r *http.Request, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithStatus(w http.ResponseWriter, r *http.Request, endpoint string, code int, status string) {
	respond(w, r, endpoint, code, models.ErrorResponse{Status: status})
}

func respondWithFieldError(w http.ResponseWriter, r *http.Request, endpoint string, code int, field, reason string) {
	respond(w, r, endpoint, code, models.ErrorResponse{
		Status: string(domain.StatusRejected),
		Errors: []models.FieldError{{Field: field, Reason: reason}},
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
