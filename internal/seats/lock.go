package seats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by a Locker when another holder owns the key.
var ErrLockHeld = errors.New("seats: lock already held")

// ErrLockLost is returned when a lease expired or was taken over.
var ErrLockLost = errors.New("seats: lock no longer held")

// DefaultLockTTL covers two LemonSqueezy calls at their client timeout plus
// rate limiter waits.
const DefaultLockTTL = 2 * time.Minute

// Lease is a held seat lock.
type Lease interface {
	// TTL is how long the lease lasts from acquisition or the last Refresh.
	// Zero means it never expires.
	TTL() time.Duration
	// Refresh extends the lease by TTL, or returns ErrLockLost.
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker serializes seat changes per subscription. TryLock never waits: it
// either acquires the key or returns ErrLockHeld.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lease, error)
}

// LocalLocker is an in-process Locker, suitable for a single replica.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLease)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	lease := &localLease{locker: l, key: key}
	l.held[key] = lease
	return lease, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
}

func (l *localLease) TTL() time.Duration { return 0 }

func (l *localLease) Refresh(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] != l {
		return ErrLockLost
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] == l {
		delete(l.locker.held, l.key)
	}
	return nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the key's expiry only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares seat locks across replicas using SET NX with a TTL.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block further changes and how long a change may run.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "seats:lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("seats: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLease{locker: l, key: key, redisKey: redisKey, token: token}, nil
}

type redisLease struct {
	locker   *RedisLocker
	key      string
	redisKey string
	token    string
}

func (l *redisLease) TTL() time.Duration { return l.locker.ttl }

func (l *redisLease) Refresh(ctx context.Context) error {
	ok, err := refreshScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token, l.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("seats: refresh lock %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("seats: release lock %s: %w", l.key, err)
	}
	if released == 0 {
		return ErrLockLost
	}
	return nil
}
