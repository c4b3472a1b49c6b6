package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrLockFailed = errors.New("lock failed")

// runLockKey 同一个实例同一时间只能被一个 RunWorkflow 推进
func runLockKey(instanceID string) string {
	return "taskflow:run:" + instanceID
}

// WorkflowLock 实例级别的互斥, 进程内用 NewLocalWorkflowLock, 多进程用 NewRedisWorkflowLock
type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description: 拿到 key 的锁之后执行 f, 拿不到立刻返回 ErrLockFailed
	//                f 收到的 ctx 上记录了持有的锁, 在这个 ctx 上对同一个 key 再加锁直接执行
	//  @param ttl 锁最长持有时间, 到期自动释放, <=0 表示不限制(只对本地锁有效)
	NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error
}

type heldLockKey string

func newLockValue() string {
	return uuid.NewString()
}

// holdsLock ctx 链路上是否已经持有 key
func holdsLock(ctx context.Context, key string) bool {
	_, ok := ctx.Value(heldLockKey(key)).(string)
	return ok
}

func withHeldLock(ctx context.Context, key, token string) context.Context {
	return context.WithValue(ctx, heldLockKey(key), token)
}
