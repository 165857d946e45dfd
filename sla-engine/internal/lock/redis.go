package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultLockTTL = 30 * time.Second

// releaseScript deletes the key only while it still carries our token, so an
// expired lock re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares instance locks across replicas with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: "sla-engine:lock:", ttl: ttl, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	done := make(chan struct{})
	go l.keepAlive(done, redisKey, l.ttl/3, func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		return n == 1, err
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				l.logger.Warn("release instance lock", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}, true, nil
}

// keepAlive renews a held lease every interval until done is closed, so a
// holder running slow actions keeps the lock past its initial TTL. It stops
// early once renew reports the lease belongs to someone else.
func (l *RedisLocker) keepAlive(done <-chan struct{}, key string, every time.Duration, renew func(context.Context) (bool, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := renew(ctx)
		cancel()
		if err != nil {
			l.logger.Warn("renew instance lock", zap.String("key", key), zap.Error(err))
			continue
		}
		if !held {
			l.logger.Warn("instance lock lost before release", zap.String("key", key))
			return
		}
	}
}
