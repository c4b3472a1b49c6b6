package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// runtimeNode 一次运行中节点的状态
type runtimeNode struct {
	node     *Node
	outgoing []*Edge
	incoming int
	// pending 还没有结束的入边数量, 为0时节点就绪
	pending int
	// taken 被选中的入边数量, 就绪时为0且不是根节点的节点会被跳过
	taken int
}

type nodeOutcome struct {
	node    *Node
	log     *ExecutionLog
	output  map[string]any
	success bool
	err     error
}

// runState 一次 RunWorkflow 的执行状态, 只在执行goroutine中访问
type runState struct {
	instanceID string
	def        *Definition
	record     *instanceRecord
	nodes      map[string]*runtimeNode
	// prior 之前的运行中已经成功的节点, 重启之后不再执行
	prior map[string]*ExecutionLog
	logs  []*ExecutionLog
}

func (e *Engine) newRunState(ctx context.Context, record *instanceRecord, def *Definition) (*runState, error) {
	instance, _ := record.snapshot()
	state := &runState{
		instanceID: instance.ID,
		def:        def,
		record:     record,
		nodes:      make(map[string]*runtimeNode, len(def.Nodes)),
		prior:      make(map[string]*ExecutionLog),
	}
	for _, n := range def.Nodes {
		state.nodes[n.ID] = &runtimeNode{node: n}
	}
	for _, edge := range def.Edges {
		from, ok := state.nodes[edge.From]
		if !ok {
			return nil, errors.WithMessagef(ErrUnknownEdgeEndpoint, "edge %s -> %s", edge.From, edge.To)
		}
		to, ok := state.nodes[edge.To]
		if !ok {
			return nil, errors.WithMessagef(ErrUnknownEdgeEndpoint, "edge %s -> %s", edge.From, edge.To)
		}
		from.outgoing = append(from.outgoing, edge)
		to.incoming++
		to.pending++
	}
	previous, err := e.repo.QueryExecutionLogs(ctx, instance.ID)
	if err != nil {
		return nil, errors.WithMessagef(err, "query execution logs failed, instance id: %s", instance.ID)
	}
	for _, l := range previous {
		if l.IsSuccess() {
			state.prior[l.NodeID()] = l
		}
	}
	return state, nil
}

func (s *runState) roots() []*Node {
	ret := make([]*Node, 0)
	for _, n := range s.def.Nodes {
		if s.nodes[n.ID].incoming == 0 {
			ret = append(ret, n)
		}
	}
	return ret
}

func (s *runState) result(instance *Instance) *RunResult {
	return &RunResult{
		InstanceID: s.instanceID,
		Status:     instance.Status,
		Logs:       s.logs,
		Error:      instance.Error,
	}
}

/**
 * @description: 按批次推进实例
 *               1. 就绪队列整体作为一个批次, 批次内并发执行, 全部结束之后才处理下一批次
 *               2. 所有入边都没有被选中的节点记录为 SKIPPED, 出边也不会被选中
 *               3. 每个批次之前检查实例状态, 暂停时等待, 取消或者引擎关闭时停止
 *               4. ctx 被取消时返回错误, 实例保持原状态, 可以再次 RunWorkflow
 */
func (e *Engine) execute(ctx context.Context, record *instanceRecord, def *Definition) (*RunResult, error) {
	state, err := e.newRunState(ctx, record, def)
	if err != nil {
		return nil, err
	}

	ready := state.roots()
	first := true
	for {
		instance, err := e.awaitRunnable(ctx, state)
		if err != nil || instance.IsOver() {
			return e.runResult(state, instance), err
		}
		batch := e.resolveSkipped(ctx, state, ready)
		ready = batch
		if len(batch) == 0 {
			instance, err = e.complete(ctx, state.instanceID)
			if errors.Is(err, ErrInvalidInstanceState) {
				continue
			}
			return e.runResult(state, instance), err
		}
		if e.isClosed() {
			// 引擎关闭之后不再派发新的批次
			instance, err = e.finish(ctx, state.instanceID, InstanceStatusCancelled, "engine shutdown", ErrEngineShutdown)
			return e.runResult(state, instance), err
		}
		instance, err = e.activate(ctx, state, batch, first)
		if errors.Is(err, ErrInvalidInstanceState) {
			// 激活之前状态被修改, 重新检查
			continue
		}
		if err != nil {
			return e.runResult(state, nil), err
		}
		first = false

		outcomes := e.runBatch(ctx, state, instance, batch)
		instance, err = e.commitBatch(ctx, state, outcomes)
		if err != nil {
			return e.runResult(state, nil), err
		}
		if ctx.Err() != nil {
			if e.isClosed() {
				// 引擎关闭导致的中断, 被放弃的批次重新就绪, 下一轮派发之前取消实例
				continue
			}
			return e.runResult(state, instance), errors.WithMessagef(ctx.Err(), "run interrupted, instance id: %s", state.instanceID)
		}
		if failed := firstFatal(outcomes); failed != nil {
			reason := fmt.Sprintf("node %s failed: %s", failed.node.ID, failed.log.ErrorMessage())
			instance, err = e.finish(ctx, state.instanceID, InstanceStatusFailed, reason, failed.err)
			return e.runResult(state, instance), err
		}
		ready, err = e.propagate(state, instance, outcomes)
		if err != nil {
			instance, err = e.finish(ctx, state.instanceID, InstanceStatusFailed, err.Error(), err)
			return e.runResult(state, instance), err
		}
	}
}

// firstFatal 批次中第一个不允许失败的失败节点
func firstFatal(outcomes []*nodeOutcome) *nodeOutcome {
	for _, o := range outcomes {
		if !o.success && !o.node.AllowFailure {
			return o
		}
	}
	return nil
}

func (e *Engine) runResult(state *runState, instance *Instance) *RunResult {
	if instance == nil {
		instance, _ = state.record.snapshot()
	}
	return state.result(instance)
}

// resolveSkipped 处理就绪节点中需要跳过的节点, 跳过会级联, 返回需要执行的节点
func (e *Engine) resolveSkipped(ctx context.Context, state *runState, ready []*Node) []*Node {
	runnable := make([]*Node, 0, len(ready))
	queue := append([]*Node(nil), ready...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		rn := state.nodes[n.ID]
		if rn.incoming == 0 || rn.taken > 0 {
			runnable = append(runnable, n)
			continue
		}
		log := NewExecutionLog(n.ID, state.instanceID, ExecutionLogStatusSkipped,
			WithLogTiming(time.Now(), 0),
			WithLogError("no incoming edge was taken"))
		e.saveLog(ctx, state, log)
		for _, edge := range rn.outgoing {
			next := state.nodes[edge.To]
			next.pending--
			if next.pending == 0 {
				queue = append(queue, next.node)
			}
		}
	}
	return runnable
}

// awaitRunnable 实例暂停时阻塞, 返回可以执行或者已经结束的实例
// 暂停中的实例在引擎关闭时取消
func (e *Engine) awaitRunnable(ctx context.Context, state *runState) (*Instance, error) {
	for {
		instance, changed := state.record.snapshot()
		switch instance.Status {
		case InstanceStatusRunning:
			return instance, nil
		case InstanceStatusPaused:
			if e.isClosed() {
				return e.finish(ctx, state.instanceID, InstanceStatusCancelled, "engine shutdown", ErrEngineShutdown)
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return instance, errors.WithMessagef(ctx.Err(), "wait for resume interrupted, instance id: %s", state.instanceID)
			}
		default:
			return instance, nil
		}
	}
}

// activate 把批次设为活跃节点, 实例不是 running 时返回 ErrInvalidInstanceState
func (e *Engine) activate(ctx context.Context, state *runState, batch []*Node, first bool) (*Instance, error) {
	ids := make([]string, 0, len(batch))
	for _, n := range batch {
		ids = append(ids, n.ID)
	}
	instance, err := e.updateInstance(ctx, state.instanceID, func(instance *Instance) (bool, error) {
		if instance.Status != InstanceStatusRunning {
			return false, errors.WithMessagef(ErrInvalidInstanceState, "instance id: %s, status: %s", instance.ID, instance.Status)
		}
		instance.ActiveNodes = ids
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// 启动时已经通知过初始节点
	state.record.mu.Lock()
	skipNotify := first && state.record.startNotified
	state.record.startNotified = false
	state.record.mu.Unlock()
	if !skipNotify {
		e.notifyNodeStart(state.instanceID, ids...)
	}
	return instance, nil
}

// runBatch 批次内并发执行, 全部结束之后返回, 结果顺序和批次顺序一致
func (e *Engine) runBatch(ctx context.Context, state *runState, instance *Instance, batch []*Node) []*nodeOutcome {
	outcomes := make([]*nodeOutcome, len(batch))
	g := &errgroup.Group{}
	if e.cfg.MaxParallelism > 0 {
		g.SetLimit(e.cfg.MaxParallelism)
	}
	for i, n := range batch {
		g.Go(func() error {
			outcomes[i] = e.executeNode(ctx, state, instance, n)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

/**
 * @description: 批次的执行日志和实例上下文在同一个事务中写入, 提交之后再通知监听器
 *               被放弃的批次也要落库, 所以事务不跟随 ctx 取消
 */
func (e *Engine) commitBatch(ctx context.Context, state *runState, outcomes []*nodeOutcome) (*Instance, error) {
	var instance *Instance
	err := e.repo.Transaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		for _, o := range outcomes {
			if err := e.repo.SaveExecutionLog(txCtx, o.log); err != nil {
				return errors.WithMessagef(err, "save execution log failed, node id: %s", o.node.ID)
			}
		}
		var err error
		instance, err = e.mergeOutputs(txCtx, state, outcomes)
		return err
	})
	if err != nil {
		e.logError(ctx, err, "commit batch failed", "instance_id", state.instanceID)
		return nil, errors.WithMessagef(err, "commit batch failed, instance id: %s", state.instanceID)
	}
	for _, o := range outcomes {
		state.logs = append(state.logs, o.log)
		if o.success {
			e.notifyNodeSuccess(state.instanceID, o.node.ID)
		} else {
			e.notifyNodeFailure(state.instanceID, o.node.ID, o.err)
		}
	}
	return instance, nil
}

func idempotencyKey(instanceID string, node *Node) string {
	if key, ok := node.Params[ParamKeyIdempotencyKey].(string); ok && key != "" {
		return key
	}
	return instanceID + ":" + node.ID
}

func (e *Engine) executeNode(ctx context.Context, state *runState, instance *Instance, node *Node) *nodeOutcome {
	key := idempotencyKey(state.instanceID, node)
	cached, hit := e.cache.Get(key)
	if !hit {
		cached, hit = state.prior[node.ID]
	}
	if hit {
		log := NewExecutionLog(node.ID, state.instanceID, ExecutionLogStatusSuccess,
			WithLogTiming(time.Now(), 0),
			WithLogInput(cached.Input()),
			WithLogOutput(cached.Output()),
			WithLogAttempts(0),
			WithLogIdempotentHit(true))
		return &nodeOutcome{node: node, log: log, output: cached.Output(), success: true}
	}

	params := deepCopyMap(state.def.DefaultParams)
	maps.Copy(params, deepCopyMap(node.Params))

	var processor Processor = passThrough
	if node.ProcessorType != "" {
		p, err := e.processors.Find(node.ProcessorType)
		if err != nil {
			e.logError(ctx, err, "processor not found",
				"instance_id", state.instanceID, "node_id", node.ID, "processor", node.ProcessorType)
			log := NewExecutionLog(node.ID, state.instanceID, ExecutionLogStatusFailed,
				WithLogTiming(time.Now(), 0),
				WithLogInput(params),
				WithLogError(fmt.Sprintf("processor not found: %s", node.ProcessorType)))
			return &nodeOutcome{node: node, log: log, err: err}
		}
		processor = p
	}
	if e.tracer != nil {
		processor = TracingProcessor(processor, e.tracer)
	}

	taskCtx := NewTaskContext(state.instanceID, node.ID, params)
	taskCtx.Variables = NewJSONContextFromMap(deepCopyMap(instance.Context))
	taskCtx.IdempotentKey = key
	taskCtx.Timeout = time.Duration(node.TimeoutSeconds) * time.Second
	taskCtx.Labels["definition_id"] = state.def.ID
	taskCtx.Labels["node_type"] = node.Type
	taskCtx.Labels["processor"] = processor.Name()

	result, err := e.retry.Execute(ctx, processor, taskCtx)
	if err != nil {
		e.logError(ctx, err, "execute node failed", "instance_id", state.instanceID, "node_id", node.ID)
		log := NewExecutionLog(node.ID, state.instanceID, ExecutionLogStatusFailed,
			WithLogTiming(time.Now(), 0),
			WithLogInput(params),
			WithLogError(err.Error()))
		return &nodeOutcome{node: node, log: log, err: err}
	}

	status := ExecutionLogStatusFailed
	if result.IsSuccess() {
		status = ExecutionLogStatusSuccess
	}
	log := NewExecutionLog(node.ID, state.instanceID, status,
		WithLogTiming(result.StartTime, result.Duration),
		WithLogInput(params),
		WithLogOutput(result.Output),
		WithLogError(result.ErrorMessage),
		WithLogAttempts(result.Attempts))
	if !result.IsSuccess() {
		nodeErr := result.Err
		if nodeErr == nil {
			nodeErr = errors.New(result.ErrorMessage)
		}
		e.logError(ctx, nodeErr, "node failed",
			"instance_id", state.instanceID, "node_id", node.ID, "status", result.Status,
			"attempts", result.Attempts, "allow_failure", node.AllowFailure)
		return &nodeOutcome{node: node, log: log, output: result.Output, err: nodeErr}
	}
	if err := e.cache.Put(key, log); err != nil {
		e.logger.WarnContext(ctx, "put idempotent cache failed", "key", key, "err", err)
	}
	return &nodeOutcome{node: node, log: log, output: result.Output, success: true}
}

func (e *Engine) saveLog(ctx context.Context, state *runState, log *ExecutionLog) {
	state.logs = append(state.logs, log)
	if err := e.repo.SaveExecutionLog(context.WithoutCancel(ctx), log); err != nil {
		e.logError(ctx, err, "save execution log failed", "instance_id", log.InstanceID(), "node_id", log.NodeID())
	}
}

// mergeOutputs 节点输出按批次顺序写入实例上下文的节点id下, 清空活跃节点
func (e *Engine) mergeOutputs(ctx context.Context, state *runState, outcomes []*nodeOutcome) (*Instance, error) {
	return e.updateInstance(ctx, state.instanceID, func(instance *Instance) (bool, error) {
		if instance.Context == nil {
			instance.Context = make(map[string]any)
		}
		for _, o := range outcomes {
			if o.success || o.node.AllowFailure {
				if o.output != nil {
					instance.Context[o.node.ID] = deepCopyMap(o.output)
				}
			}
		}
		instance.ActiveNodes = make([]string, 0)
		return true, nil
	})
}

// propagate 处理批次的出边, 返回新就绪的节点, 条件求值失败返回错误
func (e *Engine) propagate(state *runState, instance *Instance, outcomes []*nodeOutcome) ([]*Node, error) {
	ready := make([]*Node, 0)
	for _, o := range outcomes {
		for _, edge := range state.nodes[o.node.ID].outgoing {
			taken := true
			if edge.IsConditional() {
				ok, err := e.evaluator.Evaluate(edge.Condition, instance.Context)
				if err != nil {
					return nil, errors.WithMessagef(ErrConditionEvaluate, "edge %s -> %s, condition: %s, err: %v", edge.From, edge.To, edge.Condition, err)
				}
				taken = ok
			}
			next := state.nodes[edge.To]
			if taken {
				next.taken++
			}
			next.pending--
			if next.pending == 0 {
				ready = append(ready, next.node)
			}
		}
	}
	return ready, nil
}

// complete 所有节点处理完之后把实例设为 completed, 实例不是 running 时返回 ErrInvalidInstanceState
func (e *Engine) complete(ctx context.Context, instanceID string) (*Instance, error) {
	instance, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.IsOver() {
			return false, nil
		}
		if instance.Status != InstanceStatusRunning {
			return false, errors.WithMessagef(ErrInvalidInstanceState, "instance id: %s, status: %s", instance.ID, instance.Status)
		}
		instance.Status = InstanceStatusCompleted
		instance.EndTime = time.Now()
		instance.ActiveNodes = make([]string, 0)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow instance completed", "instance_id", instanceID)
	return instance, nil
}

// finish 把实例设为终止状态, 已经结束的实例不会被修改, cause 决定日志级别
func (e *Engine) finish(ctx context.Context, instanceID string, status InstanceStatus, reason string, cause error) (*Instance, error) {
	instance, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.IsOver() {
			return false, nil
		}
		instance.Status = status
		instance.EndTime = time.Now()
		instance.Error = reason
		instance.ActiveNodes = make([]string, 0)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logError(ctx, cause, "workflow instance finished",
		"instance_id", instanceID, "status", instance.Status, "reason", instance.Error)
	return instance, nil
}

// logError 严重错误需要人工介入, 打 error 级别, 其他打 warn
func (e *Engine) logError(ctx context.Context, err error, msg string, args ...any) {
	args = append(args, "err", err)
	if IsSeriousError(err) {
		e.logger.ErrorContext(ctx, msg, args...)
		return
	}
	e.logger.WarnContext(ctx, msg, args...)
}
