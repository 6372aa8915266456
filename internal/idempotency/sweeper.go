package idempotency

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/txingest/internal/logging"
	"go.uber.org/zap"
)

var sweptEntries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "txingest_swept_entries_total",
	Help: "Expired idempotency entries and abandoned reservations removed by the sweeper",
})

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *logging.Logger) error {
	logger = logger.Named("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				sweptEntries.Add(float64(n))
				logger.Debug("swept idempotency entries", zap.Int("removed", n))
			}
		}
	}
}
