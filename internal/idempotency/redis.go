package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/txingest/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Entries are hashes. Reserved entries expire with the lease, committed ones
// with the retention window, so Redis reclaims abandoned reservations by itself.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local cur = redis.call('HMGET', KEYS[1], 'state', 'fingerprint', 'transaction_id', 'status')
  local ttl = redis.call('PTTL', KEYS[1])
  return {'exists', cur[1], cur[2], cur[3], cur[4], ttl}
end
redis.call('HSET', KEYS[1], 'state', 'reserved', 'token', ARGV[1], 'fingerprint', ARGV[2], 'transaction_id', '', 'status', '')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {'reserved'}
`)

	commitScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'token')
if not cur[1] then return 'lost' end
if cur[1] == 'committed' then return 'committed' end
if cur[2] ~= ARGV[1] then return 'lost' end
redis.call('HSET', KEYS[1], 'state', 'committed', 'token', '', 'transaction_id', ARGV[2], 'status', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 'ok'
`)

	releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'token')
if not cur[1] then return 'ok' end
if cur[1] == 'committed' then return 'committed' end
if cur[2] ~= ARGV[1] then return 'lost' end
redis.call('DEL', KEYS[1])
return 'ok'
`)
)

// RedisStore keeps entries in Redis and relies on Lua scripts for per-key atomicity.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      Options
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, opts Options) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      opts.withDefaults(),
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrInvalidKey
	}

	token := newToken()
	res, err := reserveScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		token, fingerprint, s.opts.Lease.Milliseconds()).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) == 0 {
		return Reservation{}, fmt.Errorf("redis reserve: empty reply")
	}
	if str(res[0]) == "reserved" {
		return Reservation{Result: Reserved, Token: token}, nil
	}
	if len(res) < 6 {
		return Reservation{}, fmt.Errorf("redis reserve: malformed reply %v", res)
	}

	ttl, _ := res[5].(int64)
	expiresAt := s.opts.Now().Add(time.Duration(ttl) * time.Millisecond)
	entry := domain.IdempotencyEntry{
		Key:         key,
		State:       domain.EntryState(str(res[1])),
		Fingerprint: str(res[2]),
		ExpiresAt:   expiresAt,
	}
	if entry.State == domain.EntryCommitted {
		entry.Outcome = domain.Outcome{
			TransactionID: str(res[3]),
			Status:        domain.Status(str(res[4])),
		}
		return Reservation{Result: AlreadyCommitted, Entry: entry}, nil
	}
	entry.LeaseExpiresAt = expiresAt
	return Reservation{Result: AlreadyReserved, Entry: entry}, nil
}

func (s *RedisStore) Commit(ctx context.Context, key, token string, outcome domain.Outcome) error {
	if key == "" {
		return ErrInvalidKey
	}

	res, err := commitScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		token, outcome.TransactionID, string(outcome.Status), s.opts.Retention.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return scriptResult(res)
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if key == "" {
		return ErrInvalidKey
	}

	res, err := releaseScript.Run(ctx, s.client, []string{s.keyPrefix + key}, token).Text()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return scriptResult(res)
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func scriptResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "committed":
		return ErrAlreadyCommitted
	case "lost":
		return ErrReservationLost
	default:
		return fmt.Errorf("unexpected script reply %q", res)
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
