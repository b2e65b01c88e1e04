package redisx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

// ErrLockHeld is returned when the key is already locked by another holder.
var ErrLockHeld = fmt.Errorf("lock already held")

// Locker is the per-project execution lock. Acquire fails fast with
// ErrLockHeld; the returned Lease must be refreshed for long runs and
// released on completion, failure or cancellation. A holder crash is
// recovered by TTL expiry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Release and refresh compare the holder token so an expired lease cannot
// clobber a lock re-acquired by someone else.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

type redisLocker struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewLocker(log *logger.Logger, rdb *goredis.Client) (Locker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisLocker{log: log.With("service", "RedisLocker"), rdb: rdb}, nil
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLease{rdb: l.rdb, key: key, token: token}, nil
}

type redisLease struct {
	rdb   *goredis.Client
	key   string
	token string
}

func (le *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	n, err := le.rdb.Eval(ctx, refreshScript, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock refresh: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock refresh: lease lost for %s", le.key)
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	_, err := le.rdb.Eval(ctx, releaseScript, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// LocalLocker is a process-local Locker used when redis is not configured
// and in tests. TTL expiry is honored so stale locks are reclaimable.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]localEntry{}}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok && time.Now().Before(e.expires) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.locks[key] = localEntry{token: token, expires: time.Now().Add(ttl)}
	return &localLease{parent: l, key: key, token: token}, nil
}

type localLease struct {
	parent *LocalLocker
	key    string
	token  string
}

func (le *localLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	le.parent.mu.Lock()
	defer le.parent.mu.Unlock()
	e, ok := le.parent.locks[le.key]
	if !ok || e.token != le.token {
		return fmt.Errorf("lock refresh: lease lost for %s", le.key)
	}
	e.expires = time.Now().Add(ttl)
	le.parent.locks[le.key] = e
	return nil
}

func (le *localLease) Release(ctx context.Context) error {
	le.parent.mu.Lock()
	defer le.parent.mu.Unlock()
	if e, ok := le.parent.locks[le.key]; ok && e.token == le.token {
		delete(le.parent.locks, le.key)
	}
	return nil
}
