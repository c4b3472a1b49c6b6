package workflow

import (
	"reflect"
	"runtime/debug"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// EventListener 节点事件监听器
// 回调在引擎的执行路径上调用, 单次回调超过 Config.ListenerTimeout 之后引擎不再等待
type EventListener interface {
	OnNodeStart(instanceID, nodeID string)
	OnNodeSuccess(instanceID, nodeID string)
	OnNodeFailure(instanceID, nodeID string, err error)
}

// EventListenerFuncs 函数适配, 注册时请使用指针
type EventListenerFuncs struct {
	Start   func(instanceID, nodeID string)
	Success func(instanceID, nodeID string)
	Failure func(instanceID, nodeID string, err error)
}

func (f *EventListenerFuncs) OnNodeStart(instanceID, nodeID string) {
	if f.Start != nil {
		f.Start(instanceID, nodeID)
	}
}

func (f *EventListenerFuncs) OnNodeSuccess(instanceID, nodeID string) {
	if f.Success != nil {
		f.Success(instanceID, nodeID)
	}
}

func (f *EventListenerFuncs) OnNodeFailure(instanceID, nodeID string, err error) {
	if f.Failure != nil {
		f.Failure(instanceID, nodeID, err)
	}
}

// RegisterEventListener 重复注册同一个监听器会被忽略, 监听器必须是可比较的类型
func (e *Engine) RegisterEventListener(listener EventListener) error {
	if listener == nil {
		return errors.WithMessage(ErrInvalidArgument, "listener is nil")
	}
	if !reflect.TypeOf(listener).Comparable() {
		return errors.WithMessagef(ErrInvalidArgument, "listener type %T is not comparable, use a pointer", listener)
	}
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	if slices.Contains(e.listeners, listener) {
		return nil
	}
	e.listeners = append(e.listeners, listener)
	return nil
}

// RemoveEventListener 返回是否删除成功
func (e *Engine) RemoveEventListener(listener EventListener) bool {
	if listener == nil || !reflect.TypeOf(listener).Comparable() {
		return false
	}
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	idx := slices.Index(e.listeners, listener)
	if idx < 0 {
		return false
	}
	e.listeners = slices.Delete(e.listeners, idx, idx+1)
	return true
}

func (e *Engine) notifyNodeStart(instanceID string, nodeIDs ...string) {
	for _, nodeID := range nodeIDs {
		e.notify("start", instanceID, nodeID, func(l EventListener) {
			l.OnNodeStart(instanceID, nodeID)
		})
	}
}

func (e *Engine) notifyNodeSuccess(instanceID, nodeID string) {
	e.notify("success", instanceID, nodeID, func(l EventListener) {
		l.OnNodeSuccess(instanceID, nodeID)
	})
}

func (e *Engine) notifyNodeFailure(instanceID, nodeID string, err error) {
	e.notify("failure", instanceID, nodeID, func(l EventListener) {
		l.OnNodeFailure(instanceID, nodeID, err)
	})
}

// notify 依次调用监听器, 每个监听器的等待时间有上限, panic 会被恢复
func (e *Engine) notify(event, instanceID, nodeID string, call func(l EventListener)) {
	e.listenerMu.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenerMu.RUnlock()

	for _, listener := range listeners {
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event listener panic",
						"event", event, "instance_id", instanceID, "node_id", nodeID,
						"panic", r, "stack", string(debug.Stack()))
				}
			}()
			call(listener)
		}()
		timer := time.NewTimer(e.cfg.ListenerTimeout)
		select {
		case <-done:
		case <-timer.C:
			e.logger.Warn("event listener timed out",
				"event", event, "instance_id", instanceID, "node_id", nodeID,
				"timeout", e.cfg.ListenerTimeout)
		}
		timer.Stop()
	}
}
