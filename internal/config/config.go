package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendImmuDB   = "immudb"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Port string
	Env  string

	DBSource           string
	LedgerBackend      string
	IdempotencyBackend string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	ImmuDBAddress  string
	ImmuDBPort     int
	ImmuDBUser     string
	ImmuDBPassword string
	ImmuDBDatabase string

	DynamoDBTable    string
	DynamoDBEndpoint string
	AWSRegion        string

	Retention         time.Duration
	Lease             time.Duration
	SweepInterval     time.Duration
	MaxFractionDigits int
	MaxIntegerDigits  int
	StoreTimeout      time.Duration
	SubmitTimeout     time.Duration
	CleanupTimeout    time.Duration

	LogLevel  string
	LogFormat string
	LogDev    bool
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("SERVER_PORT", "8080"),
		Env:                getEnv("ENVIRONMENT", "development"),
		DBSource:           os.Getenv("DB_SOURCE"),
		LedgerBackend:      getEnv("LEDGER_BACKEND", BackendMemory),
		IdempotencyBackend: getEnv("IDEMPOTENCY_BACKEND", BackendMemory),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix:     getEnv("REDIS_KEY_PREFIX", "txingest:idem:"),
		ImmuDBAddress:      getEnv("IMMUDB_ADDRESS", "127.0.0.1"),
		ImmuDBUser:         getEnv("IMMUDB_USER", "immudb"),
		ImmuDBPassword:     getEnv("IMMUDB_PASSWORD", "immudb"),
		ImmuDBDatabase:     getEnv("IMMUDB_DATABASE", "defaultdb"),
		DynamoDBTable:      getEnv("DYNAMODB_TABLE", "IdempotencyKeys"),
		DynamoDBEndpoint:   os.Getenv("DYNAMODB_ENDPOINT"),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		LogDev:             os.Getenv("LOG_DEV") == "true",
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ImmuDBPort, err = getInt("IMMUDB_PORT", 3322); err != nil {
		return nil, err
	}
	if cfg.MaxFractionDigits, err = getInt("AMOUNT_MAX_FRACTION_DIGITS", 2); err != nil {
		return nil, err
	}
	if cfg.MaxIntegerDigits, err = getInt("AMOUNT_MAX_INTEGER_DIGITS", 15); err != nil {
		return nil, err
	}
	if cfg.Retention, err = getDuration("IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Lease, err = getDuration("RESERVATION_LEASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SubmitTimeout, err = getDuration("SUBMIT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CleanupTimeout, err = getDuration("CLEANUP_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendImmuDB:
	default:
		return fmt.Errorf("LEDGER_BACKEND %q is not one of memory, postgres, immudb", c.LedgerBackend)
	}
	switch c.IdempotencyBackend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendDynamoDB:
	default:
		return fmt.Errorf("IDEMPOTENCY_BACKEND %q is not one of memory, redis, postgres, dynamodb", c.IdempotencyBackend)
	}
	if c.NeedsPostgres() && c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required for the postgres backend")
	}
	if c.MaxFractionDigits < 0 {
		return fmt.Errorf("AMOUNT_MAX_FRACTION_DIGITS must not be negative")
	}
	// immudb stores amounts as VARCHAR[64].
	if c.MaxIntegerDigits <= 0 || c.MaxIntegerDigits+c.MaxFractionDigits > 60 {
		return fmt.Errorf("AMOUNT_MAX_INTEGER_DIGITS must be positive and leave room for AMOUNT_MAX_FRACTION_DIGITS within 60 digits")
	}
	if c.Lease <= 0 || c.Retention <= 0 {
		return fmt.Errorf("RESERVATION_LEASE and IDEMPOTENCY_RETENTION must be positive")
	}
	if c.Lease >= c.Retention {
		return fmt.Errorf("RESERVATION_LEASE (%s) must be shorter than IDEMPOTENCY_RETENTION (%s)", c.Lease, c.Retention)
	}
	return nil
}

// NeedsPostgres reports whether any configured backend lives in Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.LedgerBackend == BackendPostgres || c.IdempotencyBackend == BackendPostgres
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
