package tests

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/taskflow/workflow"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestDefinitionFromJSON 配置错误在注册时返回
func TestDefinitionFromJSON(t *testing.T) {
	service, _ := setupTestEngine(t, workflow.NewMemoryWorkflowRepo())

	tests := []struct {
		name    string
		config  string
		wantErr error
	}{
		{
			name:    "json格式错误",
			config:  `{"id": "broken",`,
			wantErr: workflow.ErrWorkflowParamInvalid,
		},
		{
			name: "存在环",
			config: `{"id": "cyclic", "nodes": [
				{"id": "A", "next_nodes": ["B"]},
				{"id": "B", "next_nodes": ["A"]}
			]}`,
			wantErr: workflow.ErrWorkflowDefinitionCyclic,
		},
		{
			name:    "后置节点不存在",
			config:  `{"id": "dangling", "nodes": [{"id": "A", "next_nodes": ["ghost"]}]}`,
			wantErr: workflow.ErrUnknownEdgeEndpoint,
		},
		{
			name:    "节点类型错误",
			config:  `{"id": "bad_type", "nodes": [{"id": "A", "type": "loop"}]}`,
			wantErr: workflow.ErrWorkflowParamInvalid,
		},
		{
			name: "条件指向的节点不在后置节点中",
			config: `{"id": "stray_condition", "nodes": [
				{"id": "A", "next_nodes": ["B"], "conditions": {"C": "A.ok"}},
				{"id": "B"},
				{"id": "C"}
			]}`,
			wantErr: workflow.ErrWorkflowParamInvalid,
		},
		{
			name: "正常",
			config: `{"id": "ok", "nodes": [
				{"id": "A", "next_nodes": ["B", "C"], "conditions": {"C": "A.never"}},
				{"id": "B"},
				{"id": "C"}
			]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := buildFromJSON(tt.config)
			if err == nil {
				_, err = service.CreateWorkflow(def)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, workflow.IsValidationError(err))
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("条件没有满足的分支被跳过", func(t *testing.T) {
		result, err := service.ExecuteWorkflow(context.Background(), "ok", nil)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, result.Status)
		assert.Equal(t, map[string]string{
			"A": workflow.ExecutionLogStatusSuccess,
			"B": workflow.ExecutionLogStatusSuccess,
			"C": workflow.ExecutionLogStatusSkipped,
		}, nodeStatuses(result.Logs))
	})
}

func buildFromJSON(raw string) (*workflow.Definition, error) {
	config, err := workflow.ParseDefinitionConfig([]byte(raw))
	if err != nil {
		return nil, err
	}
	return workflow.BuildDefinition(config)
}

// TestObservability otel 指标和链路覆盖整个实例
func TestObservability(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = meterProvider.Shutdown(ctx) }()
	spans := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	defer func() { _ = tracerProvider.Shutdown(ctx) }()

	inMemory := workflow.NewInMemoryMetricsCollector()
	collector := workflow.MultiMetricsCollector(
		workflow.NewOtelMetricsCollector(meterProvider.Meter("taskflow-test")),
		inMemory,
	)
	service, registry := setupTestEngine(t, setupRepo(t),
		workflow.WithMetricsCollector(collector),
		workflow.WithTracer(tracerProvider.Tracer("taskflow-test")),
	)

	attempts := 0
	require.NoError(t, registry.Register("flaky", workflow.NewProcessor("flaky", func(context.Context, *workflow.TaskContext) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary")
		}
		return nil
	}, workflow.WithRetryPolicy(workflow.ExponentialBackoff(3, time.Millisecond, 5*time.Millisecond)))))
	def := workflow.NewDefinition("observed", "").
		AddNode(workflow.NewNode("start", "start", workflow.NodeTypeTask, "")).
		AddNode(workflow.NewNode("flaky", "flaky", workflow.NodeTypeTask, "flaky")).
		Connect("start", "flaky")
	_, err := service.CreateWorkflow(def)
	require.NoError(t, err)

	result, err := service.ExecuteWorkflow(ctx, "observed", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceStatusCompleted, result.Status)

	snapshot := inMemory.Snapshot("flaky")
	assert.Equal(t, int64(3), snapshot.Executions)
	assert.Equal(t, int64(2), snapshot.Retries)
	assert.Equal(t, int64(1), snapshot.Results[workflow.TaskStatusSuccess])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var executions int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "taskflow.task.executions" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("processor")); ok && v.AsString() == "flaky" {
					executions += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), executions)

	nodeSpans := make(map[string]int)
	for _, span := range spans.Ended() {
		for _, kv := range span.Attributes() {
			if kv.Key == "taskflow.node_id" {
				nodeSpans[kv.Value.AsString()]++
			}
		}
	}
	assert.Equal(t, 1, nodeSpans["start"])
	assert.Equal(t, 3, nodeSpans["flaky"], "每次尝试一个span")
}

// TestCancelAndPause 通过服务接口控制实例
func TestCancelAndPause(t *testing.T) {
	ctx := context.Background()
	service, registry := setupTestEngine(t, setupRepo(t))

	var mu sync.Mutex
	events := make([]string, 0)
	require.NoError(t, service.RegisterEventListener(&workflow.EventListenerFuncs{
		Start: func(_, nodeID string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "start:"+nodeID)
		},
	}))
	require.NoError(t, registry.Register("noop", workflow.NewProcessor("noop", func(context.Context, *workflow.TaskContext) error { return nil })))
	def := workflow.NewDefinition("two_steps", "").
		AddNode(workflow.NewNode("first", "first", workflow.NodeTypeTask, "noop")).
		AddNode(workflow.NewNode("second", "second", workflow.NodeTypeTask, "noop")).
		Connect("first", "second")
	_, err := service.CreateWorkflow(def)
	require.NoError(t, err)

	t.Run("取消之后不能运行", func(t *testing.T) {
		instance, err := service.StartWorkflow(ctx, "two_steps", nil)
		require.NoError(t, err)
		require.NoError(t, service.CancelWorkflow(ctx, instance.ID))

		result, err := service.RunWorkflow(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCancelled, result.Status)
		assert.Empty(t, result.Logs)

		require.NoError(t, service.RestartWorkflow(ctx, instance.ID))
		result, err = service.RunWorkflow(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, result.Status)
	})

	t.Run("恢复之后继续", func(t *testing.T) {
		instance, err := service.StartWorkflow(ctx, "two_steps", nil)
		require.NoError(t, err)
		require.NoError(t, service.PauseWorkflow(ctx, instance.ID))

		time.AfterFunc(20*time.Millisecond, func() {
			_ = service.ResumeWorkflow(context.Background(), instance.ID)
		})
		result, err := service.RunWorkflow(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, result.Status)
	})

	t.Run("不存在的实例", func(t *testing.T) {
		assert.ErrorIs(t, service.CancelWorkflow(ctx, "missing"), workflow.ErrWorkflowInstanceNotFound)
		_, err := service.GetExecutionLogs(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrWorkflowInstanceNotFound)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "start:second")
}

// TestRedisLockAcrossEngines 两个引擎共享redis锁, 同一个实例只会被一个引擎运行
func TestRedisLockAcrossEngines(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	repo := setupRepo(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	registry := workflow.NewProcessorRegistry()
	require.NoError(t, registry.Register("block", workflow.NewProcessor("block", func(context.Context, *workflow.TaskContext) error {
		close(entered)
		<-release
		return nil
	})))
	def := workflow.NewDefinition("locked", "").AddNode(workflow.NewNode("A", "A", workflow.NodeTypeTask, "block"))

	engines := make([]workflow.WorkflowService, 0, 2)
	for i := 0; i < 2; i++ {
		service, err := workflow.NewWorkflowService(repo, workflow.NewRedisWorkflowLock(client), workflow.WithProcessorRegistry(registry))
		require.NoError(t, err)
		defer service.Shutdown(ctx)
		_, err = service.CreateWorkflow(def)
		require.NoError(t, err)
		engines = append(engines, service)
	}

	instance, err := engines[0].StartWorkflow(ctx, "locked", nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := engines[0].RunWorkflow(ctx, instance.ID)
		done <- err
	}()
	<-entered

	_, err = engines[1].RunWorkflow(ctx, instance.ID)
	assert.ErrorIs(t, err, workflow.ErrLockFailed)
	close(release)
	require.NoError(t, <-done)
}
