// Package taskflow 基于有向无环图的工作流引擎。
//
// 工作流定义由节点和有向边组成, 边可以带条件。引擎按拓扑层推进实例:
// 同一层的节点作为一个批次并发执行, 整个批次结束之后才派发下一批次。
//
// 主要特性：
//   - 批量 Kahn 拓扑排序, 注册时检测环
//   - 条件边: 所有入边都没有被选中的节点记录为跳过
//   - 处理器按策略重试, 单次执行有超时, panic 按失败处理
//   - 有容量上限和过期时间的幂等缓存, 重启之后已经成功的节点不再执行
//   - 暂停, 恢复, 取消, 重启, 优雅关闭
//   - 存储支持内存和 GORM, 锁支持本地和 Redis
//   - slog 日志, OpenTelemetry 指标和链路
//
// 基础使用示例:
//
//	registry := workflow.NewProcessorRegistry()
//	registry.Register("order.pay", workflow.NewProcessor("order.pay",
//	    func(ctx context.Context, taskCtx *workflow.TaskContext) error {
//	        orderID, _ := taskCtx.Variables.GetString("order_id")
//	        return taskCtx.Output.Set([]string{"transaction_id"}, "TXN-"+orderID)
//	    },
//	    workflow.WithRetryPolicy(workflow.ExponentialBackoff(3, 100*time.Millisecond, time.Second)),
//	))
//
//	db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	_ = workflow.AutoMigrate(db)
//	engine, _ := workflow.NewEngine(workflow.Config{MaxParallelism: 8},
//	    workflow.WithWorkflowRepo(workflow.NewWorkflowRepo(db)),
//	    workflow.WithProcessorRegistry(registry),
//	)
//	defer engine.Shutdown(context.Background())
//
//	def := workflow.NewDefinition("order", "订单").
//	    AddNode(workflow.NewNode("validate", "校验", workflow.NodeTypeTask, "order.validate")).
//	    AddNode(workflow.NewNode("pay", "支付", workflow.NodeTypeTask, "order.pay")).
//	    ConnectIf("validate", "pay", "validate.ok")
//	_, _ = engine.CreateWorkflow(def)
//
//	result, _ := engine.ExecuteWorkflow(ctx, "order", map[string]any{"order_id": "ORDER-001"})
//
// 上下文数据流转：
//
// 实例上下文的初始值是启动参数, 节点成功之后输出写在节点ID下。
// 处理器通过 taskCtx.Variables 读取实例上下文的快照, 通过 taskCtx.Output 写入输出:
//
//	// 启动参数
//	orderID, _ := taskCtx.Variables.GetString("order_id")
//	// 前置节点 pay 的输出
//	txn, _ := taskCtx.Variables.GetString("pay", "transaction_id")
//	// 节点参数, 定义默认参数和节点参数合并之后的结果
//	limit, _ := taskCtx.Params.GetFloat64("limit")
//
// 条件边使用同样的路径访问实例上下文, 例如 "review.approved" 或者 "pay.channel == alipay"。
package taskflow
