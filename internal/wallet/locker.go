package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld 释放时锁已过期或被他人持有
var ErrLockNotHeld = errors.New("lock not held")

// Locker 带过期时间的分布式互斥锁
type Locker interface {
	// TryLock 立即尝试加锁, 成功返回持有者 token
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Unlock 仅当 token 匹配时释放
	Unlock(ctx context.Context, key, token string) error
}

// 比较后删除, 避免释放别人的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker SET NX PX 实现
type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

type memLock struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker 单进程实现, 用于开发和测试
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock), now: time.Now}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.locks[key]
	if !ok || held.token != token {
		return ErrLockNotHeld
	}
	delete(l.locks, key)
	return nil
}

// LockWithWait 在 wait 时间内反复尝试加锁
func LockWithWait(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)
	backoff := 100 * time.Millisecond
	for {
		token, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil || ok {
			return token, ok, err
		}
		if time.Now().Add(backoff).After(deadline) {
			return "", false, nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
