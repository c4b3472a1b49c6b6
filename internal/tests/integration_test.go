package tests

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/blingmoon/taskflow/internal/commonregister"
	"github.com/blingmoon/taskflow/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRepo(t *testing.T) workflow.WorkflowRepo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, workflow.AutoMigrate(db))
	return workflow.NewWorkflowRepo(db)
}

func setupTestEngine(t *testing.T, repo workflow.WorkflowRepo, opts ...workflow.EngineOption) (workflow.WorkflowService, *workflow.ProcessorRegistry) {
	t.Helper()
	registry := workflow.NewProcessorRegistry()
	opts = append(opts, workflow.WithProcessorRegistry(registry))
	service, err := workflow.NewWorkflowService(repo, workflow.NewLocalWorkflowLock(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Shutdown(context.Background()) })
	return service, registry
}

func nodeStatuses(logs []*workflow.ExecutionLog) map[string]string {
	ret := make(map[string]string, len(logs))
	for _, l := range logs {
		ret[l.NodeID()] = l.Status()
	}
	return ret
}

// TestApprovalWorkflow 使用json定义的审批工作流
func TestApprovalWorkflow(t *testing.T) {
	ctx := context.Background()
	service, registry := setupTestEngine(t, setupRepo(t))
	require.NoError(t, commonregister.RegisterApprovalWorkflow(registry, service))

	tests := []struct {
		name    string
		amount  any
		taken   string
		skipped string
	}{
		{name: "金额在阈值内批准", amount: 300, taken: "approve", skipped: "reject"},
		{name: "金额等于阈值批准", amount: 1000.0, taken: "approve", skipped: "reject"},
		{name: "金额超过阈值拒绝", amount: 5000, taken: "reject", skipped: "approve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := service.ExecuteWorkflow(ctx, commonregister.ApprovalDefinitionID, map[string]any{
				"applicant": "alice",
				"amount":    tt.amount,
			})
			require.NoError(t, err)
			assert.Equal(t, workflow.InstanceStatusCompleted, result.Status)

			statuses := nodeStatuses(result.Logs)
			assert.Equal(t, workflow.ExecutionLogStatusSuccess, statuses[tt.taken])
			assert.Equal(t, workflow.ExecutionLogStatusSkipped, statuses[tt.skipped])
			assert.Equal(t, workflow.ExecutionLogStatusSuccess, statuses["notify"])

			status, err := service.GetStatus(ctx, result.InstanceID)
			require.NoError(t, err)
			applicant, _ := status.ContextValue("submit", "applicant")
			assert.Equal(t, "alice", applicant)
			finalStatus, _ := status.ContextValue(tt.taken, "final_status")
			message, _ := status.ContextValue("notify", "message")
			assert.Equal(t, fmt.Sprintf("application %v", finalStatus), message)
		})
	}

	t.Run("缺少申请人直接失败", func(t *testing.T) {
		result, err := service.ExecuteWorkflow(ctx, commonregister.ApprovalDefinitionID, map[string]any{"amount": 1})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusFailed, result.Status)
		assert.Contains(t, result.Error, "node submit failed")
		require.Len(t, result.Logs, 1)
		assert.Equal(t, 1, result.Logs[0].Attempts(), "不可重试的错误只执行一次")
	})
}

// TestOrderPipeline 订单流水线: 校验 -> (支付, 锁库存) -> 发货
func TestOrderPipeline(t *testing.T) {
	ctx := context.Background()
	service, registry := setupTestEngine(t, setupRepo(t))

	var shipped atomic.Int32
	require.NoError(t, registry.Register("order.validate", workflow.NewProcessor("order.validate", func(_ context.Context, taskCtx *workflow.TaskContext) error {
		amount, ok := taskCtx.Variables.GetFloat64("amount")
		if !ok || amount <= 0 {
			return errors.WithMessage(workflow.ErrTaskNonRetryable, "amount invalid")
		}
		return taskCtx.Output.Set([]string{"validated"}, true)
	})))
	require.NoError(t, registry.Register("order.pay", workflow.NewProcessor("order.pay", func(_ context.Context, taskCtx *workflow.TaskContext) error {
		orderID, _ := taskCtx.Variables.GetString("order_id")
		return taskCtx.Output.Set([]string{"transaction_id"}, "TXN-"+orderID)
	})))
	require.NoError(t, registry.Register("order.reserve", workflow.NewProcessor("order.reserve", func(_ context.Context, taskCtx *workflow.TaskContext) error {
		return taskCtx.Output.Set([]string{"warehouse"}, "WH-1")
	})))
	require.NoError(t, registry.Register("order.ship", workflow.NewProcessor("order.ship", func(_ context.Context, taskCtx *workflow.TaskContext) error {
		txn, ok := taskCtx.Variables.GetString("pay", "transaction_id")
		if !ok {
			return errors.New("transaction_id not found")
		}
		warehouse, _ := taskCtx.Variables.GetString("reserve", "warehouse")
		shipped.Add(1)
		if err := taskCtx.Output.Set([]string{"tracking_number"}, "TRACK-"+txn); err != nil {
			return err
		}
		return taskCtx.Output.Set([]string{"from"}, warehouse)
	})))

	def := workflow.NewDefinition("order_workflow", "订单处理").
		AddNode(workflow.NewNode("validate", "校验", workflow.NodeTypeTask, "order.validate")).
		AddNode(workflow.NewNode("pay", "支付", workflow.NodeTypeTask, "order.pay")).
		AddNode(workflow.NewNode("reserve", "锁库存", workflow.NodeTypeTask, "order.reserve")).
		AddNode(workflow.NewNode("ship", "发货", workflow.NodeTypeEnd, "order.ship")).
		Connect("validate", "pay").
		Connect("validate", "reserve").
		Connect("pay", "ship").
		Connect("reserve", "ship")
	_, err := service.CreateWorkflow(def)
	require.NoError(t, err)

	t.Run("正常下单", func(t *testing.T) {
		result, err := service.ExecuteWorkflow(ctx, "order_workflow", map[string]any{"order_id": "ORDER-001", "amount": 99.99})
		require.NoError(t, err)
		require.Equal(t, workflow.InstanceStatusCompleted, result.Status)

		status, err := service.GetStatus(ctx, result.InstanceID)
		require.NoError(t, err)
		tracking, _ := status.ContextValue("ship", "tracking_number")
		assert.Equal(t, "TRACK-TXN-ORDER-001", tracking)
		from, _ := status.ContextValue("ship", "from")
		assert.Equal(t, "WH-1", from)

		logs, err := service.GetExecutionLogs(ctx, result.InstanceID)
		require.NoError(t, err)
		require.Len(t, logs, 4)
		assert.Equal(t, "validate", logs[0].NodeID())
		assert.Equal(t, "ship", logs[3].NodeID())
	})

	t.Run("校验失败", func(t *testing.T) {
		before := shipped.Load()
		result, err := service.ExecuteWorkflow(ctx, "order_workflow", map[string]any{"order_id": "ORDER-002", "amount": 0})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusFailed, result.Status)
		assert.Equal(t, before, shipped.Load())
	})

	t.Run("并发执行多个实例", func(t *testing.T) {
		const n = 20
		before := shipped.Load()
		var wg sync.WaitGroup
		results := make([]*workflow.RunResult, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = service.ExecuteWorkflow(ctx, "order_workflow", map[string]any{
					"order_id": fmt.Sprintf("ORDER-%03d", 100+i),
					"amount":   10,
				})
			}()
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, workflow.InstanceStatusCompleted, results[i].Status)
		}
		assert.Equal(t, before+n, shipped.Load())

		completed, err := service.ListInstances(ctx, &workflow.QueryInstanceParams{
			DefinitionID: workflow.String("order_workflow"),
			StatusIn:     []string{workflow.InstanceStatusCompleted},
			Page:         &workflow.Pager{IsNoLimit: workflow.Bool(true)},
		})
		require.NoError(t, err)
		assert.Len(t, completed, n+1)
	})
}

// TestRecoverAfterRestart 进程重启之后新的引擎从存储中继续推进实例
func TestRecoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)

	var failing atomic.Bool
	failing.Store(true)
	var reportCalls atomic.Int32
	register := func(registry *workflow.ProcessorRegistry) {
		require.NoError(t, registry.Register("report.collect", workflow.NewProcessor("report.collect", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			reportCalls.Add(1)
			return taskCtx.Output.Set([]string{"rows"}, 42)
		})))
		require.NoError(t, registry.Register("report.publish", workflow.NewProcessor("report.publish", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			if failing.Load() {
				return errors.New("storage unavailable")
			}
			rows, _ := taskCtx.Variables.GetInt64("collect", "rows")
			return taskCtx.Output.Set([]string{"published"}, rows)
		})))
	}
	def := func() *workflow.Definition {
		return workflow.NewDefinition("report", "报表").
			AddNode(workflow.NewNode("collect", "收集", workflow.NodeTypeTask, "report.collect")).
			AddNode(workflow.NewNode("publish", "发布", workflow.NodeTypeEnd, "report.publish")).
			Connect("collect", "publish")
	}

	first, registry := setupTestEngine(t, repo)
	register(registry)
	_, err := first.CreateWorkflow(def())
	require.NoError(t, err)
	result, err := first.ExecuteWorkflow(ctx, "report", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.InstanceStatusFailed, result.Status)
	assert.Equal(t, "node publish failed: storage unavailable", result.Error)
	require.NoError(t, first.Shutdown(ctx))

	failing.Store(false)
	second, registry := setupTestEngine(t, repo)
	register(registry)
	_, err = second.CreateWorkflow(def())
	require.NoError(t, err)

	require.NoError(t, second.RestartWorkflow(ctx, result.InstanceID))
	again, err := second.RunWorkflow(ctx, result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceStatusCompleted, again.Status)
	assert.Equal(t, int32(1), reportCalls.Load(), "成功的节点从执行日志中恢复")

	status, err := second.GetStatus(ctx, result.InstanceID)
	require.NoError(t, err)
	published, _ := status.ContextValue("publish", "published")
	assert.EqualValues(t, 42, published)

	logs, err := second.GetExecutionLogs(ctx, result.InstanceID)
	require.NoError(t, err)
	// 第一次: collect成功, publish失败; 重启: collect命中, publish成功
	require.Len(t, logs, 4)
	assert.True(t, logs[2].IdempotentHit())
	assert.Equal(t, workflow.ExecutionLogStatusSuccess, logs[3].Status())
}
