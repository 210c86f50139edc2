// Package redislock provides an outbox.Locker backed by a Redis key, so that
// only one relay process drains a given outbox at a time.
package redislock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hiran-hiran/outbox"
)

var _ outbox.Locker = (*Lock)(nil)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// DefaultTTL bounds how long a crashed holder keeps the lock.
const DefaultTTL = 30 * time.Second

// Client is the subset of redis.Cmdable used by Lock.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Lock is a token-guarded Redis lock. The relay extends it before every event,
// so the TTL only has to cover relaying a single event.
type Lock struct {
	client Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// New creates a Lock on key. A ttl <= 0 uses DefaultTTL.
func New(client Client, key string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{client: client, key: key, ttl: ttl}, nil
}

// TryAcquire takes the lock if it is free. It reports false, nil when another
// holder owns it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	l.token = token
	return true, nil
}

// Extend resets the TTL of a lock this Lock still owns. It reports false, nil
// when the lock expired or was taken over; the Lock then no longer holds it.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return false, nil
	}
	n, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if n == 0 {
		l.token = ""
		return false, nil
	}
	return true, nil
}

// Release frees the lock if this Lock still owns it. Releasing an expired or
// never acquired lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	return l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err()
}
