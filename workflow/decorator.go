package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// processorDecorator 保留被包装处理器的重试策略和超时
type processorDecorator struct {
	inner Processor
}

func (d processorDecorator) Name() string {
	return d.inner.Name()
}

func (d processorDecorator) RetryPolicy() RetryPolicy {
	if provider, ok := d.inner.(RetryPolicyProvider); ok {
		return provider.RetryPolicy()
	}
	return nil
}

func (d processorDecorator) Timeout(taskCtx *TaskContext) time.Duration {
	if provider, ok := d.inner.(TimeoutProvider); ok {
		return provider.Timeout(taskCtx)
	}
	return 0
}

type tracingProcessor struct {
	processorDecorator
	tracer trace.Tracer
}

// TracingProcessor 每次执行尝试创建一个span, tracer 为nil时使用全局 TracerProvider
func TracingProcessor(p Processor, tracer trace.Tracer) Processor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &tracingProcessor{processorDecorator: processorDecorator{inner: p}, tracer: tracer}
}

func (p *tracingProcessor) Process(ctx context.Context, taskCtx *TaskContext) (*TaskResult, error) {
	ctx, span := p.tracer.Start(ctx, "taskflow.node.process",
		trace.WithAttributes(
			attribute.String("taskflow.processor", p.inner.Name()),
			attribute.String("taskflow.instance_id", taskCtx.InstanceID),
			attribute.String("taskflow.node_id", taskCtx.NodeID),
			attribute.Int("taskflow.retry_count", taskCtx.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	result, err := p.inner.Process(ctx, taskCtx)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result == nil:
		span.SetStatus(codes.Error, "nil result")
	case !result.IsSuccess():
		span.SetAttributes(attribute.String("taskflow.status", result.Status))
		span.SetStatus(codes.Error, result.ErrorMessage)
	default:
		span.SetAttributes(attribute.String("taskflow.status", result.Status))
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

type rateLimitProcessor struct {
	processorDecorator
	limiter *rate.Limiter
}

// RateLimitProcessor 执行之前等待令牌, 等待时间计入单次超时
func RateLimitProcessor(p Processor, limiter *rate.Limiter) Processor {
	return &rateLimitProcessor{processorDecorator: processorDecorator{inner: p}, limiter: limiter}
}

func (p *rateLimitProcessor) Process(ctx context.Context, taskCtx *TaskContext) (*TaskResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.WithMessagef(err, "rate limit wait failed, processor: %s", p.inner.Name())
	}
	return p.inner.Process(ctx, taskCtx)
}
