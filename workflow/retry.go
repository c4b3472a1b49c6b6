package workflow

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// BackoffStrategy 计算第n次重试前的等待时间, n 从1开始
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(_ int) time.Duration {
	return c.Interval
}

// ExponentialBackoffStrategy Delay = min(Initial * 2^(attempt-1), Max)
// Max 为0时上限是 time.Duration 能表示的最大值
type ExponentialBackoffStrategy struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialBackoffStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := e.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	// 先在 float64 上比较, 避免转换溢出
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// JitterBackoff 在 [0, Delay) 之间随机, 避免大量实例同时重试
type JitterBackoff struct {
	Base BackoffStrategy
}

func (j JitterBackoff) Delay(attempt int) time.Duration {
	d := j.Base.Delay(attempt)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// RetryPolicy 重试策略
type RetryPolicy interface {
	/**
	 * @description: 最大重试次数, 0表示只执行一次
	 */
	MaxRetries() int
	/**
	 * @description: 是否可以继续重试
	 * @param retryCount 已经重试的次数
	 * @param result 本次执行结果
	 * @param err 本次执行的错误, 可能为nil
	 */
	CanRetry(retryCount int, result *TaskResult, err error) bool
	/**
	 * @description: 第 retryCount 次重试之前的等待时间, retryCount 从1开始
	 */
	NextDelay(retryCount int) time.Duration
}

type backoffRetryPolicy struct {
	maxRetries int
	backoff    BackoffStrategy
}

func (p *backoffRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

func (p *backoffRetryPolicy) CanRetry(retryCount int, result *TaskResult, err error) bool {
	if retryCount >= p.maxRetries {
		return false
	}
	if err != nil && errors.Is(err, ErrTaskNonRetryable) {
		return false
	}
	if result != nil && result.Err != nil && errors.Is(result.Err, ErrTaskNonRetryable) {
		return false
	}
	return result == nil || !result.IsSuccess()
}

func (p *backoffRetryPolicy) NextDelay(retryCount int) time.Duration {
	if p.backoff == nil {
		return 0
	}
	return p.backoff.Delay(retryCount)
}

// NoRetry 只执行一次
func NoRetry() RetryPolicy {
	return &backoffRetryPolicy{maxRetries: 0}
}

// FixedDelay 最多重试 maxRetries 次, 总共执行 maxRetries+1 次
func FixedDelay(maxRetries int, delay time.Duration) RetryPolicy {
	return NewRetryPolicy(maxRetries, ConstantBackoff{Interval: delay})
}

func ExponentialBackoff(maxRetries int, initial, maxDelay time.Duration) RetryPolicy {
	return NewRetryPolicy(maxRetries, ExponentialBackoffStrategy{Initial: initial, Max: maxDelay})
}

func ExponentialBackoffWithJitter(maxRetries int, initial, maxDelay time.Duration) RetryPolicy {
	return NewRetryPolicy(maxRetries, JitterBackoff{Base: ExponentialBackoffStrategy{Initial: initial, Max: maxDelay}})
}

func NewRetryPolicy(maxRetries int, backoff BackoffStrategy) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &backoffRetryPolicy{maxRetries: maxRetries, backoff: backoff}
}
