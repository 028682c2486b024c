package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/arenaforge/control_plane/observability"
)

// RedisStore implements Coordinator (locks/leases/epochs for per-contest
// ownership) and IdempotencyStore, exactly the two roles the reference
// codebase's RedisStore plays alongside its now-retired generic Agent/Job
// CRUD. The Lua scripts for lock renew/release and the versioned-value
// helpers in redis_versioned.go/redis_idempotency.go are preloaded here.
type RedisStore struct {
	client          *redis.Client
	versionedSetSHA string
	versionedGetSHA string
}

const renewLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return -2
end
`

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// NewRedisStore connects, pings, and preloads the Lua scripts the
// versioned KV and lock-renew/release operations depend on.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &RedisStore{client: client}
	s.versionedSetSHA, _ = client.ScriptLoad(ctx, versionedSetScript).Result()
	s.versionedGetSHA, _ = client.ScriptLoad(ctx, versionedGetScript).Result()
	return s, nil
}

// Client exposes the underlying go-redis client so the leaderboard
// engine's sorted-set operations can share the same connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// --- Coordinator: locks ---

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	ok, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	result, err := s.client.Eval(ctx, renewLockScript, []string{key}, ownerID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected renew result type %T", result)
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	_, err := s.client.Eval(ctx, releaseLockScript, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// --- Coordinator: leases (thin aliases of the lock primitives, matching
// the reference codebase's own naming split between "lock" and "lease"
// even though the underlying mechanics are identical) ---

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

// ScanLocks returns keys matching pattern via cursor-based SCAN, same as
// the reference janitor's lock sweep.
func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// --- IdempotencyStore (submit_answer dedup on userId/contestId/questionId) ---

func (s *RedisStore) GetIdempotencyRecord(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	val, err := s.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("not found")
	}
	return val, err
}

func (s *RedisStore) SetIdempotencyRecord(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

// SetIdempotencyRecordNX atomically sets the record only if absent,
// returning an error when another in-flight request already holds it —
// the caller treats that as "already submitted, fetch the result".
func (s *RedisStore) SetIdempotencyRecordNX(key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, "idempotency:"+key, value, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		observability.IdempotencyLockExpired.Inc()
		return fmt.Errorf("key exists")
	}
	observability.IdempotencyLockAcquired.Inc()
	return nil
}
