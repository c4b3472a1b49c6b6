package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 只有值相同才删除, 避免删掉过期后被别人拿到的锁
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const redisUnlockTimeout = 3 * time.Second

type redisWorkflowLock struct {
	client redis.UniversalClient
}

// NewRedisWorkflowLock SetNX 实现的分布式锁, 多个引擎共享同一个存储时使用
func NewRedisWorkflowLock(client redis.UniversalClient) WorkflowLock {
	return &redisWorkflowLock{client: client}
}

func (r *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if holdsLock(ctx, key) {
		return f(ctx)
	}
	token := newLockValue()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "setnx %s: %v", key, err)
	}
	if !ok {
		return errors.WithMessagef(ErrLockFailed, "key %s is held", key)
	}
	defer r.unlock(key, token)
	return f(withHeldLock(ctx, key, token))
}

// unlock 调用方的 ctx 可能已经取消, 单独开一个
func (r *redisWorkflowLock) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisUnlockTimeout)
	defer cancel()
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, token).Int64()
	switch {
	case err != nil:
		slog.Error("redis unlock failed", "key", key, "err", err)
	case n == 0:
		slog.Warn("redis lock expired before unlock", "key", key)
	}
}
