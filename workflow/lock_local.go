package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// localWorkflowLock 进程内锁, 所有 key 共用一张持有表
type localWorkflowLock struct {
	mu      sync.Mutex
	holders map[string]*localHolder
}

type localHolder struct {
	token  string
	expiry *time.Timer
}

func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{holders: make(map[string]*localHolder)}
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, ttl time.Duration, f func(context.Context) error) error {
	if holdsLock(ctx, key) {
		return f(ctx)
	}
	h, ok := l.acquire(key, ttl)
	if !ok {
		return errors.WithMessagef(ErrLockFailed, "key %s is held", key)
	}
	defer l.release(key, h)
	return f(withHeldLock(ctx, key, h.token))
}

func (l *localWorkflowLock) acquire(key string, ttl time.Duration) (*localHolder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.holders[key]; busy {
		return nil, false
	}
	h := &localHolder{token: newLockValue()}
	if ttl > 0 {
		h.expiry = time.AfterFunc(ttl, func() { l.release(key, h) })
	}
	l.holders[key] = h
	return h, true
}

// release 到期和正常返回都会调用, 只删除自己那一代的持有者
func (l *localWorkflowLock) release(key string, h *localHolder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] != h {
		return
	}
	delete(l.holders, key)
	if h.expiry != nil {
		h.expiry.Stop()
	}
}
