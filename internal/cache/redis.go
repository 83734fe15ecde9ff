package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/staysync/config"
	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pollInterval = 25 * time.Millisecond

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript pushes the expiry forward only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a property lock shared by every instance pointing at the same redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

// NewRedisLocker: ttl bounds how long a crashed holder can keep a property locked,
// wait bounds how long Lock polls before giving up. A live holder keeps extending the key
// every ttl/3, so a slow Update never outlives its lock.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

func (l *RedisLocker) Lock(ctx context.Context, propertyID string) (func(), error) {
	key := lockKey(propertyID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			done := make(chan struct{})
			go l.keepAlive(key, token, done)
			return l.release(key, token, done), nil
		}
		if !time.Now().Before(deadline) {
			return nil, &domain.LockTimeoutError{PropertyID: propertyID, Waited: l.wait}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// keepAlive extends the lock until done is closed or the key stops holding token.
func (l *RedisLocker) keepAlive(key, token string, done <-chan struct{}) {
	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d >= 10*time.Millisecond {
		return d
	}
	return 10 * time.Millisecond
}

func (l *RedisLocker) release(key, token string, done chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			// the caller's context may already be cancelled; on failure the key expires after ttl
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func lockKey(propertyID string) string {
	return "lock:property:" + propertyID
}

var _ availability.Locker = (*RedisLocker)(nil)
