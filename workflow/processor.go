package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// TaskContext 一次节点执行的上下文
type TaskContext struct {
	TaskID     string
	InstanceID string
	NodeID     string
	// Params 节点参数, 定义默认参数和节点参数合并之后的结果, 只读
	Params *JSONContext
	// Variables 实例上下文的快照, 包含启动参数和前置节点的输出, 只读
	Variables *JSONContext
	// Output 处理器写入的输出, 成功之后会合并到实例上下文的 NodeID 下
	Output        *JSONContext
	RetryCount    int
	IdempotentKey string
	// Timeout 单次执行的超时时间, 0表示使用处理器或者全局默认值
	Timeout time.Duration
	Labels  map[string]string
}

func NewTaskContext(instanceID, nodeID string, params map[string]any) *TaskContext {
	return &TaskContext{
		TaskID:     instanceID + ":" + nodeID,
		InstanceID: instanceID,
		NodeID:     nodeID,
		Params:     NewJSONContextFromMap(deepCopyMap(params)),
		Variables:  NewJSONContext(nil),
		Output:     NewJSONContext(nil),
		Labels:     make(map[string]string),
	}
}

// WithRetryCount 返回拷贝, 每次重试使用新的输出
func (c *TaskContext) WithRetryCount(retryCount int) *TaskContext {
	cp := *c
	cp.RetryCount = retryCount
	cp.Output = NewJSONContext(nil)
	return &cp
}

func (c *TaskContext) WithTimeout(timeout time.Duration) *TaskContext {
	cp := *c
	cp.Timeout = timeout
	return &cp
}

// TaskResult 任务执行结果
type TaskResult struct {
	Status        TaskStatus     `json:"status"`
	Output        map[string]any `json:"output"`
	ErrorMessage  string         `json:"error_message"`
	Err           error          `json:"-"`
	StartTime     time.Time      `json:"start_time"`
	Duration      time.Duration  `json:"duration"`
	IdempotentKey string         `json:"idempotent_key"`
	IdempotentHit bool           `json:"idempotent_hit"`
	Attempts      int            `json:"attempts"`
}

func SuccessResult(output map[string]any) *TaskResult {
	if output == nil {
		output = make(map[string]any)
	}
	return &TaskResult{Status: TaskStatusSuccess, Output: output}
}

func FailedResult(err error) *TaskResult {
	r := &TaskResult{Status: TaskStatusFailed, Err: err}
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	return r
}

func CancelledResult(err error) *TaskResult {
	r := &TaskResult{Status: TaskStatusCancelled, Err: err}
	if err != nil {
		r.ErrorMessage = err.Error()
	}
	return r
}

func (r *TaskResult) IsSuccess() bool {
	return r != nil && r.Status == TaskStatusSuccess
}

// Processor 节点处理器,需要外部实现
type Processor interface {
	/**
	 * @description: 处理器名称, 用于注册和日志
	 */
	Name() string
	/**
	 * @description: 任务执行, 可能被重试多次
	 * @param ctx context.Context 单次执行的上下文, 超时或者实例被取消时会被cancel
	 * @param taskCtx *TaskContext 任务上下文, 输出写入 taskCtx.Output
	 * @return *TaskResult, error error不为nil时按失败处理, panic 同样按失败处理
	 */
	Process(ctx context.Context, taskCtx *TaskContext) (*TaskResult, error)
}

// RetryPolicyProvider 处理器可选实现, 没有实现时使用 NoRetry
type RetryPolicyProvider interface {
	RetryPolicy() RetryPolicy
}

// TimeoutProvider 处理器可选实现, 返回0表示使用全局默认值
type TimeoutProvider interface {
	Timeout(taskCtx *TaskContext) time.Duration
}

type ProcessFunc func(ctx context.Context, taskCtx *TaskContext) error

// FuncProcessor 函数适配的处理器, 返回nil表示成功, 输出为 taskCtx.Output
type FuncProcessor struct {
	name        string
	handler     ProcessFunc
	retryPolicy RetryPolicy
	timeout     time.Duration
}

type ProcessorOption func(p *FuncProcessor)

func WithRetryPolicy(policy RetryPolicy) ProcessorOption {
	return func(p *FuncProcessor) {
		p.retryPolicy = policy
	}
}

func WithProcessTimeout(timeout time.Duration) ProcessorOption {
	return func(p *FuncProcessor) {
		p.timeout = timeout
	}
}

func NewProcessor(name string, handler ProcessFunc, opts ...ProcessorOption) *FuncProcessor {
	p := &FuncProcessor{
		name:        name,
		handler:     handler,
		retryPolicy: NoRetry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FuncProcessor) Name() string {
	return p.name
}

func (p *FuncProcessor) Process(ctx context.Context, taskCtx *TaskContext) (*TaskResult, error) {
	if p.handler == nil {
		return nil, errors.New("Not implemented")
	}
	if err := p.handler(ctx, taskCtx); err != nil {
		return nil, err
	}
	return SuccessResult(taskCtx.Output.ToMap()), nil
}

func (p *FuncProcessor) RetryPolicy() RetryPolicy {
	return p.retryPolicy
}

func (p *FuncProcessor) Timeout(_ *TaskContext) time.Duration {
	return p.timeout
}

var passThrough Processor = passThroughProcessor{}

/**
 * @description: 结构节点处理器, processor_type 为空的节点使用, 直接成功
 */
type passThroughProcessor struct{}

func (passThroughProcessor) Name() string {
	return "pass_through"
}

func (passThroughProcessor) Process(_ context.Context, _ *TaskContext) (*TaskResult, error) {
	return SuccessResult(nil), nil
}
