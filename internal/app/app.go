// Package app assembles the service from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/txingest/internal/api"
	"github.com/punchamoorthee/txingest/internal/config"
	"github.com/punchamoorthee/txingest/internal/idempotency"
	"github.com/punchamoorthee/txingest/internal/ledger"
	"github.com/punchamoorthee/txingest/internal/logging"
	"github.com/punchamoorthee/txingest/internal/resilience"
	"github.com/punchamoorthee/txingest/internal/service"
	"github.com/punchamoorthee/txingest/internal/store"
	"github.com/punchamoorthee/txingest/internal/validation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Router      *mux.Router
	Coordinator *service.Coordinator
	// Sweeper is set when the idempotency backend needs explicit expiry.
	Sweeper idempotency.Sweeper

	logger  *logging.Logger
	closers []func()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// New connects the configured backends and builds the HTTP router. Call Close
// when done, also after an error.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *App, err error) {
	a = &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	deps := map[string]api.Pinger{}

	var pg *store.Store
	if cfg.NeedsPostgres() {
		if pg, err = store.NewStore(ctx, cfg.DBSource); err != nil {
			return a, err
		}
		a.closers = append(a.closers, pg.Close)
		deps["postgres"] = pg
	}

	rawLedger, err := a.openLedger(ctx, cfg, pg, deps)
	if err != nil {
		return a, err
	}
	rawStore, err := a.openStore(ctx, cfg, pg, deps)
	if err != nil {
		return a, err
	}

	ledgerGuard := resilience.NewGuard("ledger", guardConfig(cfg.StoreTimeout, ledger.IsExpected), logger)
	storeGuard := resilience.NewGuard("idempotency", guardConfig(cfg.StoreTimeout, idempotency.IsExpected), logger)
	l := ledger.NewResilientLedger(rawLedger, ledgerGuard)
	s := idempotency.NewResilientStore(rawStore, storeGuard)
	if _, ok := rawStore.(idempotency.Sweeper); ok {
		a.Sweeper = s
	}

	v := validation.New(cfg.MaxFractionDigits)
	v.MaxIntegerDigits = cfg.MaxIntegerDigits
	a.Coordinator = service.NewCoordinator(v, s, l, logger, service.Options{
		CleanupTimeout: cfg.CleanupTimeout,
	})
	a.Router = api.NewRouter(api.NewHandler(a.Coordinator, deps, logger, api.Options{
		SubmitTimeout: cfg.SubmitTimeout,
	}))

	logger.Info("service assembled",
		zap.String("ledger", cfg.LedgerBackend),
		zap.String("idempotency", cfg.IdempotencyBackend),
		zap.Duration("lease", cfg.Lease),
		zap.Duration("retention", cfg.Retention),
	)
	return a, nil
}

func (a *App) openLedger(ctx context.Context, cfg *config.Config, pg *store.Store, deps map[string]api.Pinger) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		return ledger.NewPostgresLedger(pg.Db), nil
	case config.BackendImmuDB:
		c, err := ledger.DialImmuDB(ctx, ledger.ImmuDBConfig{
			Address:  cfg.ImmuDBAddress,
			Port:     cfg.ImmuDBPort,
			User:     cfg.ImmuDBUser,
			Password: cfg.ImmuDBPassword,
			Database: cfg.ImmuDBDatabase,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := c.CloseSession(context.Background()); err != nil {
				a.logger.Warn("immudb close failed", zap.Error(err))
			}
		})
		deps["immudb"] = pingFunc(c.HealthCheck)

		l := ledger.NewImmuLedger(c, nil)
		if err := l.Migrate(ctx); err != nil {
			return nil, err
		}
		return l, nil
	default:
		return ledger.NewMemoryLedger(nil), nil
	}
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, pg *store.Store, deps map[string]api.Pinger) (idempotency.Store, error) {
	opts := idempotency.Options{Lease: cfg.Lease, Retention: cfg.Retention}

	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		return idempotency.NewPostgresStore(pg.Db, opts), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		s := idempotency.NewRedisStore(client, cfg.RedisKeyPrefix, opts)
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		deps["redis"] = s
		return s, nil
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
			}
		})
		return idempotency.NewDynamoDBStore(client, cfg.DynamoDBTable, opts), nil
	default:
		return idempotency.NewMemoryStore(opts), nil
	}
}

func guardConfig(timeout time.Duration, isExpected func(error) bool) resilience.Config {
	cfg := resilience.DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.IsExpected = isExpected
	return cfg
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
