package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName otel tracer/meter 的 scope 名称
const instrumentationName = "github.com/blingmoon/taskflow"

// MetricsCollector 任务执行指标, 实现需要并发安全
type MetricsCollector interface {
	// RecordExecution 每次执行尝试记录一次
	RecordExecution(ctx context.Context, processor string, retryCount int)
	// RecordResult 每个最终结果记录一次
	RecordResult(ctx context.Context, processor string, status TaskStatus)
	RecordLatency(ctx context.Context, processor string, latency time.Duration)
	// RecordRetries 实际消耗的重试次数
	RecordRetries(ctx context.Context, processor string, retries int)
}

type noopMetricsCollector struct{}

func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

func (noopMetricsCollector) RecordExecution(context.Context, string, int) {}
func (noopMetricsCollector) RecordResult(context.Context, string, TaskStatus) {}
func (noopMetricsCollector) RecordLatency(context.Context, string, time.Duration) {}
func (noopMetricsCollector) RecordRetries(context.Context, string, int) {}

// ProcessorMetrics 单个处理器的指标快照
type ProcessorMetrics struct {
	Executions   int64                `json:"executions"`
	Results      map[TaskStatus]int64 `json:"results"`
	Retries      int64                `json:"retries"`
	TotalLatency time.Duration        `json:"total_latency"`
	MaxLatency   time.Duration        `json:"max_latency"`
}

// InMemoryMetricsCollector 内存指标, 主要用于测试和本地观察
type InMemoryMetricsCollector struct {
	mu      sync.Mutex
	metrics map[string]*ProcessorMetrics
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{metrics: make(map[string]*ProcessorMetrics)}
}

func (c *InMemoryMetricsCollector) get(processor string) *ProcessorMetrics {
	m, ok := c.metrics[processor]
	if !ok {
		m = &ProcessorMetrics{Results: make(map[TaskStatus]int64)}
		c.metrics[processor] = m
	}
	return m
}

func (c *InMemoryMetricsCollector) RecordExecution(_ context.Context, processor string, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(processor).Executions++
}

func (c *InMemoryMetricsCollector) RecordResult(_ context.Context, processor string, status TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(processor).Results[status]++
}

func (c *InMemoryMetricsCollector) RecordLatency(_ context.Context, processor string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.get(processor)
	m.TotalLatency += latency
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
}

func (c *InMemoryMetricsCollector) RecordRetries(_ context.Context, processor string, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(processor).Retries += int64(retries)
}

// Snapshot 返回拷贝, 没有记录过的处理器返回零值
func (c *InMemoryMetricsCollector) Snapshot(processor string) ProcessorMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[processor]
	if !ok {
		return ProcessorMetrics{Results: make(map[TaskStatus]int64)}
	}
	cp := *m
	cp.Results = make(map[TaskStatus]int64, len(m.Results))
	for k, v := range m.Results {
		cp.Results[k] = v
	}
	return cp
}

// OtelMetricsCollector 基于 opentelemetry 的指标
//
// Instruments:
//   - taskflow.task.executions (Int64Counter): attributes processor
//   - taskflow.task.results (Int64Counter): attributes processor, status
//   - taskflow.task.duration (Float64Histogram): seconds, attributes processor
//   - taskflow.task.retries (Int64Counter): attributes processor
type OtelMetricsCollector struct {
	executions metric.Int64Counter
	results    metric.Int64Counter
	duration   metric.Float64Histogram
	retries    metric.Int64Counter
}

// NewOtelMetricsCollector meter 为nil时使用全局 MeterProvider
func NewOtelMetricsCollector(meter metric.Meter) *OtelMetricsCollector {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	// 创建失败时 otel 返回 noop instrument
	executions, _ := meter.Int64Counter(
		"taskflow.task.executions",
		metric.WithDescription("Total number of task execution attempts"),
		metric.WithUnit("{execution}"),
	)
	results, _ := meter.Int64Counter(
		"taskflow.task.results",
		metric.WithDescription("Total number of terminal task results"),
		metric.WithUnit("{result}"),
	)
	duration, _ := meter.Float64Histogram(
		"taskflow.task.duration",
		metric.WithDescription("Duration of task execution attempts in seconds"),
		metric.WithUnit("s"),
	)
	retries, _ := meter.Int64Counter(
		"taskflow.task.retries",
		metric.WithDescription("Total number of retries consumed"),
		metric.WithUnit("{retry}"),
	)
	return &OtelMetricsCollector{
		executions: executions,
		results:    results,
		duration:   duration,
		retries:    retries,
	}
}

func (c *OtelMetricsCollector) RecordExecution(ctx context.Context, processor string, _ int) {
	c.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("processor", processor)))
}

func (c *OtelMetricsCollector) RecordResult(ctx context.Context, processor string, status TaskStatus) {
	c.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("processor", processor),
		attribute.String("status", status),
	))
}

func (c *OtelMetricsCollector) RecordLatency(ctx context.Context, processor string, latency time.Duration) {
	c.duration.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("processor", processor)))
}

func (c *OtelMetricsCollector) RecordRetries(ctx context.Context, processor string, retries int) {
	c.retries.Add(ctx, int64(retries), metric.WithAttributes(attribute.String("processor", processor)))
}

type multiMetricsCollector []MetricsCollector

// MultiMetricsCollector 同时写入多个 collector
func MultiMetricsCollector(collectors ...MetricsCollector) MetricsCollector {
	return multiMetricsCollector(collectors)
}

func (m multiMetricsCollector) RecordExecution(ctx context.Context, processor string, retryCount int) {
	for _, c := range m {
		c.RecordExecution(ctx, processor, retryCount)
	}
}

func (m multiMetricsCollector) RecordResult(ctx context.Context, processor string, status TaskStatus) {
	for _, c := range m {
		c.RecordResult(ctx, processor, status)
	}
}

func (m multiMetricsCollector) RecordLatency(ctx context.Context, processor string, latency time.Duration) {
	for _, c := range m {
		c.RecordLatency(ctx, processor, latency)
	}
}

func (m multiMetricsCollector) RecordRetries(ctx context.Context, processor string, retries int) {
	for _, c := range m {
		c.RecordRetries(ctx, processor, retries)
	}
}
