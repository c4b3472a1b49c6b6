package workflow

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

var (
	ErrWorkflowParamInvalid            = errors.New("workflow param invalid")
	ErrWorkflowDefinitionNotFound      = errors.New("workflow definition not found")
	ErrWorkflowDefinitionAlreadyExists = errors.New("workflow definition already exists")
	// 定义中存在环, 无法拓扑排序
	ErrWorkflowDefinitionCyclic = errors.New("workflow definition contains cycle")
	// 定义被禁用, 不允许再启动新的实例
	ErrWorkflowDefinitionDisabled = errors.New("workflow definition disabled")
	// 边引用了不存在的节点, 属于硬错误, 不是环
	ErrUnknownEdgeEndpoint           = errors.New("edge references unknown node")
	ErrWorkflowInstanceNotFound      = errors.New("workflow instance not found")
	ErrWorkflowInstanceAlreadyExists = errors.New("workflow instance already exists")
	// 状态机不允许的迁移, 例如暂停一个已经暂停的实例
	ErrInvalidInstanceState       = errors.New("invalid workflow instance state")
	ErrProcessorNotFound          = errors.New("processor not found")
	ErrProcessorAlreadyRegistered = errors.New("processor already registered")
	ErrTaskTimeout                = errors.New("task timed out")
	// 处理器返回包含这个错误的error时, 任务直接失败, 不再重试
	// 场景&应用: 一些关键参数丢失，无论重试多少次都不会成功
	ErrTaskNonRetryable = errors.New("task failed without retry")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrEngineShutdown   = errors.New("engine is shut down")
	// 条件表达式求值失败, 会导致工作流实例失败
	ErrConditionEvaluate = errors.New("condition evaluate failed")
)

type InstanceStatus = string

const (
	InstanceStatusRunning InstanceStatus = "running"
	// 暂停, 当前批次执行完之后不再派发下一批次, 可以恢复
	InstanceStatusPaused InstanceStatus = "paused"
	// 完成, 终止状态 普遍含义: 所有节点都已经结束
	InstanceStatusCompleted InstanceStatus = "completed"
	// 失败, 终止状态 普遍含义: 某个不允许失败的节点失败了
	InstanceStatusFailed InstanceStatus = "failed"
	// 取消, 终止状态 普遍含义: 手动取消或者引擎关闭
	InstanceStatusCancelled InstanceStatus = "canceled"
)

func IsOverInstanceStatus(status InstanceStatus) bool {
	return status == InstanceStatusFailed || status == InstanceStatusCancelled || status == InstanceStatusCompleted
}

func GetInstanceStatusText(status InstanceStatus) string {
	switch status {
	case InstanceStatusRunning:
		return "运行中"
	case InstanceStatusPaused:
		return "暂停"
	case InstanceStatusCompleted:
		return "完成"
	case InstanceStatusFailed:
		return "失败"
	case InstanceStatusCancelled:
		return "取消"
	}
	return "未知"
}

// TaskStatus 单次任务执行的结果状态
type TaskStatus = string

const (
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusFailed  TaskStatus = "FAILED"
	// 超时或者上下文被取消
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// ExecutionLogStatus 节点执行日志的状态
type ExecutionLogStatus = string

const (
	ExecutionLogStatusSuccess ExecutionLogStatus = "SUCCESS"
	ExecutionLogStatusFailed  ExecutionLogStatus = "FAILED"
	// 条件分支没有走到的节点
	ExecutionLogStatusSkipped ExecutionLogStatus = "SKIPPED"
)

func GetExecutionLogStatusText(status ExecutionLogStatus) string {
	switch status {
	case ExecutionLogStatusSuccess:
		return "成功"
	case ExecutionLogStatusFailed:
		return "失败"
	case ExecutionLogStatusSkipped:
		return "跳过"
	}
	return "未知"
}

type NodeType = string

const (
	NodeTypeTask      NodeType = "task"
	NodeTypeCondition NodeType = "condition"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeEnd       NodeType = "end"
)

// 节点参数中的保留key
const (
	// 节点参数中指定的幂等key, 没有的话使用 instanceID:nodeID
	ParamKeyIdempotencyKey = "idempotency_key"
)

// IsValidationError 调用方参数问题导致的错误, 重试没有意义
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	return errors.Is(causeErr, ErrWorkflowParamInvalid) ||
		errors.Is(causeErr, ErrInvalidArgument) ||
		errors.Is(causeErr, ErrWorkflowDefinitionCyclic) ||
		errors.Is(causeErr, ErrUnknownEdgeEndpoint) ||
		errors.Is(causeErr, ErrWorkflowDefinitionAlreadyExists) ||
		errors.Is(causeErr, ErrWorkflowInstanceAlreadyExists)
}

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理,
// 1. 配置不正确, 例如定义不存在, 处理器没有注册
// 2. 工作流实例丢失
func IsSeriousError(err error) bool {
	if err == nil {
		// 空error不算严重错误
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrProcessorNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) ||
		errors.Is(causeErr, ErrConditionEvaluate) {
		return true
	}
	return false
}

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
