package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

// RetryTemplate 在重试策略和单次超时的约束下执行处理器
type RetryTemplate struct {
	metrics        MetricsCollector
	defaultTimeout time.Duration // 0 表示不限制
	logger         *slog.Logger
}

func NewRetryTemplate(metrics MetricsCollector, defaultTimeout time.Duration) *RetryTemplate {
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	return &RetryTemplate{
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		logger:         slog.Default().With("component", "retry_template"),
	}
}

func (t *RetryTemplate) withLogger(logger *slog.Logger) *RetryTemplate {
	t.logger = logger.With("component", "retry_template")
	return t
}

/**
 * @description: 执行处理器
 *               处理器的错误和panic都会转成 FAILED, 超时转成 CANCELLED, 不会通过error返回
 *               外部ctx被取消时返回 CANCELLED, 不再重试
 * @param ctx context.Context
 * @param processor Processor
 * @param taskCtx *TaskContext
 * @return *TaskResult, error 只有参数非法时返回error
 */
func (t *RetryTemplate) Execute(ctx context.Context, processor Processor, taskCtx *TaskContext) (*TaskResult, error) {
	if processor == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "processor is nil")
	}
	if taskCtx == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "task context is nil")
	}
	policy := NoRetry()
	if provider, ok := processor.(RetryPolicyProvider); ok && provider.RetryPolicy() != nil {
		policy = provider.RetryPolicy()
	}
	timeout := t.resolveTimeout(processor, taskCtx)
	name := processor.Name()

	start := time.Now()
	var result *TaskResult
	attempt := 0
	for ; ; attempt++ {
		t.metrics.RecordExecution(ctx, name, attempt)
		attemptStart := time.Now()
		var retryable bool
		result, retryable = t.runOnce(ctx, processor, taskCtx.WithRetryCount(attempt), timeout)
		t.metrics.RecordLatency(ctx, name, time.Since(attemptStart))

		if !retryable || !policy.CanRetry(attempt, result, result.Err) {
			break
		}
		delay := max(policy.NextDelay(attempt+1), 0)
		t.logger.WarnContext(ctx, "task attempt failed, retrying",
			"processor", name, "task_id", taskCtx.TaskID, "attempt", attempt+1,
			"delay", delay, "error", result.ErrorMessage)
		if err := sleepContext(ctx, delay); err != nil {
			result = CancelledResult(errors.WithMessage(err, "task cancelled while waiting for retry"))
			break
		}
	}

	result.StartTime = start
	result.Duration = time.Since(start)
	result.Attempts = attempt + 1
	if result.IdempotentKey == "" {
		result.IdempotentKey = taskCtx.IdempotentKey
	}
	t.metrics.RecordResult(ctx, name, result.Status)
	t.metrics.RecordRetries(ctx, name, attempt)
	return result, nil
}

// resolveTimeout 优先级: 任务上下文 > 处理器 > 全局默认
func (t *RetryTemplate) resolveTimeout(processor Processor, taskCtx *TaskContext) time.Duration {
	if taskCtx.Timeout > 0 {
		return taskCtx.Timeout
	}
	if provider, ok := processor.(TimeoutProvider); ok {
		if d := provider.Timeout(taskCtx); d > 0 {
			return d
		}
	}
	return t.defaultTimeout
}

type attemptOutcome struct {
	result *TaskResult
	err    error
}

// runOnce 执行一次, 返回的结果不为nil, bool 表示是否允许按策略重试
// 不响应ctx的处理器在超时之后会继续在后台运行, 结果被丢弃
func (t *RetryTemplate) runOnce(ctx context.Context, processor Processor, taskCtx *TaskContext, timeout time.Duration) (*TaskResult, bool) {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ch := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.ErrorContext(ctx, "processor panic",
					"processor", processor.Name(), "task_id", taskCtx.TaskID,
					"panic", r, "stack", string(debug.Stack()))
				ch <- attemptOutcome{err: errors.Errorf("processor panic: %v", r)}
			}
		}()
		result, err := processor.Process(attemptCtx, taskCtx)
		ch <- attemptOutcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && o.result.IsSuccess() {
			return o.result, false
		}
		if ctx.Err() != nil {
			return CancelledResult(errors.WithMessage(ctx.Err(), "task cancelled")), false
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return timeoutResult(timeout), true
		}
		if o.err != nil {
			return FailedResult(o.err), true
		}
		if o.result == nil {
			return FailedResult(errors.New("task returned nil result")), true
		}
		switch o.result.Status {
		case TaskStatusCancelled:
			return o.result, false
		case TaskStatusFailed:
			if o.result.ErrorMessage == "" && o.result.Err != nil {
				o.result.ErrorMessage = o.result.Err.Error()
			}
			return o.result, true
		}
		return FailedResult(errors.Errorf("task returned unknown status: %s", o.result.Status)), true
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return CancelledResult(errors.WithMessage(ctx.Err(), "task cancelled")), false
		}
		return timeoutResult(timeout), true
	}
}

func timeoutResult(timeout time.Duration) *TaskResult {
	r := CancelledResult(errors.WithMessagef(ErrTaskTimeout, "after %s", timeout))
	r.ErrorMessage = fmt.Sprintf("task timed out after %s", timeout)
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
