package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")
	// ErrTimeout is returned when a call exceeds the guard timeout.
	ErrTimeout = errors.New("resilience: operation timeout")
)

var circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "txingest_circuit_state",
	Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
}, []string{"name"})

// Config configures a Guard.
type Config struct {
	// Timeout bounds every guarded call. Zero disables it.
	Timeout time.Duration
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// IsExpected marks errors that are normal results (not found, duplicate, ...)
	// and must not count against the breaker.
	IsExpected func(error) bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             2 * time.Second,
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Guard runs calls to one dependency through a circuit breaker with a timeout.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *logging.Logger
}

func NewGuard(name string, cfg Config, logger *logging.Logger) *Guard {
	logger = logger.Named("resilience").With(zap.String("dependency", name))
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	isExpected := cfg.IsExpected

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (isExpected != nil && isExpected(err))
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			circuitState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	circuitState.WithLabelValues(name).Set(0)

	return &Guard{
		name:    name,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Do runs fn under the breaker. Breaker rejections become ErrCircuitOpen and an
// expired guard deadline becomes ErrTimeout; other errors pass through unchanged.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Warn("circuit breaker open - request rejected", zap.String("operation", op))
		return ErrCircuitOpen
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		g.logger.Warn("operation timeout", zap.String("operation", op), zap.Duration("timeout", g.timeout))
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// State reports the breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
