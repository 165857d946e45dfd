package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLockerExcludesConcurrentHolders(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, err := l.TryLock(ctx, "inst-2")
	require.NoError(t, err)
	assert.True(t, ok)
	other()

	unlock()
	unlock()
	again, ok, err := l.TryLock(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestMemoryLockerSingleWinner(t *testing.T) {
	l := NewMemoryLocker()
	var (
		wins  int32
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	holders := make(chan Unlock, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if unlock, ok, _ := l.TryLock(context.Background(), "inst-1"); ok {
				atomic.AddInt32(&wins, 1)
				holders <- unlock
			}
		}()
	}
	close(start)
	wg.Wait()
	close(holders)
	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	for u := range holders {
		u()
	}
}

func TestMemoryLockerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := NewMemoryLocker().TryLock(ctx, "inst-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeepAliveRenewsUntilReleased(t *testing.T) {
	l := &RedisLocker{logger: zap.NewNop()}
	var renewals int32
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		l.keepAlive(done, "inst-1", 5*time.Millisecond, func(context.Context) (bool, error) {
			atomic.AddInt32(&renewals, 1)
			return true, nil
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&renewals) >= 3 }, time.Second, time.Millisecond)
	close(done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop after release")
	}
}

func TestKeepAliveStopsWhenLeaseLost(t *testing.T) {
	l := &RedisLocker{logger: zap.NewNop()}
	var renewals int32
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		l.keepAlive(make(chan struct{}), "inst-1", 5*time.Millisecond, func(context.Context) (bool, error) {
			if atomic.AddInt32(&renewals, 1) == 1 {
				return false, errors.New("redis: connection reset")
			}
			return false, nil
		})
	}()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("keepAlive kept running after the lease was lost")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&renewals))
}

// Runs against a real Redis when REDIS_ADDR is set.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	l := NewRedisLocker(client, 5*time.Second, nil)
	ctx := context.Background()
	key := "test-" + time.Now().Format("150405.000000")

	unlock, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	again, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

// Runs against a real Redis when REDIS_ADDR is set.
func TestRedisLockerHoldsPastTTL(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	l := NewRedisLocker(client, 300*time.Millisecond, nil)
	ctx := context.Background()
	key := "ttl-" + time.Now().Format("150405.000000")

	unlock, ok, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	time.Sleep(time.Second)
	_, ok, err = l.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "lease expired while still held")
}
