package workflow

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusText(t *testing.T) {
	t.Run("实例状态", func(t *testing.T) {
		for status, text := range map[InstanceStatus]string{
			InstanceStatusRunning:   "运行中",
			InstanceStatusPaused:    "暂停",
			InstanceStatusCompleted: "完成",
			InstanceStatusFailed:    "失败",
			InstanceStatusCancelled: "取消",
			"unknown":               "未知",
		} {
			assert.Equal(t, text, GetInstanceStatusText(status), status)
		}
	})
	t.Run("执行日志状态", func(t *testing.T) {
		for status, text := range map[ExecutionLogStatus]string{
			ExecutionLogStatusSuccess: "成功",
			ExecutionLogStatusFailed:  "失败",
			ExecutionLogStatusSkipped: "跳过",
			"":                        "未知",
		} {
			assert.Equal(t, text, GetExecutionLogStatusText(status), status)
		}
	})
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		serious    bool
		validation bool
	}{
		{name: "nil", err: nil},
		{name: "处理器未注册", err: errors.WithMessage(ErrProcessorNotFound, "name: pay"), serious: true},
		{name: "实例丢失", err: errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance id: %s", "i1"), serious: true},
		{name: "条件求值失败", err: errors.WithMessage(ErrConditionEvaluate, "edge A -> B"), serious: true},
		{name: "参数错误", err: errors.WithMessage(ErrWorkflowParamInvalid, "bad json"), validation: true},
		{name: "存在环", err: ErrWorkflowDefinitionCyclic, validation: true},
		{name: "普通错误", err: errors.New("timeout")},
		{name: "锁冲突", err: errors.WithMessage(ErrLockFailed, "key is held")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.serious, IsSeriousError(tt.err))
			assert.Equal(t, tt.validation, IsValidationError(tt.err))
		})
	}
}
