package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// instanceRecord 单个实例的内存记录, 所有修改都通过 Engine.updateInstance
type instanceRecord struct {
	mu       sync.Mutex
	instance *Instance
	// changed 每次修改之后关闭并替换, 用于等待暂停的实例恢复
	changed chan struct{}
	// startNotified 启动时已经通知了初始节点, 第一次运行不再重复通知
	startNotified bool
}

func newInstanceRecord(instance *Instance) *instanceRecord {
	return &instanceRecord{instance: instance, changed: make(chan struct{})}
}

func (r *instanceRecord) snapshot() (*Instance, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance.Clone(), r.changed
}

// Engine 工作流引擎
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	repo       WorkflowRepo
	lock       WorkflowLock
	metrics    MetricsCollector
	evaluator  ConditionEvaluator
	processors *ProcessorRegistry
	tracer     trace.Tracer
	retry      *RetryTemplate
	cache      *IdempotentCache[*ExecutionLog]

	definitions sync.Map // definition id -> *Definition
	instances   sync.Map // instance id -> *instanceRecord

	listenerMu sync.RWMutex
	listeners  []EventListener

	mu     sync.Mutex
	closed bool
	runWG  sync.WaitGroup
	// baseCtx Shutdown 超时之后取消, 用于放弃执行中的批次
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type EngineOption func(e *Engine)

func WithWorkflowRepo(repo WorkflowRepo) EngineOption {
	return func(e *Engine) {
		e.repo = repo
	}
}

func WithWorkflowLock(lock WorkflowLock) EngineOption {
	return func(e *Engine) {
		e.lock = lock
	}
}

func WithMetricsCollector(metrics MetricsCollector) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func WithConditionEvaluator(evaluator ConditionEvaluator) EngineOption {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

func WithProcessorRegistry(registry *ProcessorRegistry) EngineOption {
	return func(e *Engine) {
		e.processors = registry
	}
}

// WithTracer 设置之后所有节点执行都会创建span
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "workflow_engine")
	if e.repo == nil {
		e.repo = NewMemoryWorkflowRepo()
	}
	if e.lock == nil {
		e.lock = NewLocalWorkflowLock()
	}
	if e.metrics == nil {
		e.metrics = NewNoopMetricsCollector()
	}
	if e.evaluator == nil {
		e.evaluator = NewPathConditionEvaluator()
	}
	if e.processors == nil {
		e.processors = NewProcessorRegistry()
	}
	e.cache, err = NewIdempotentCache[*ExecutionLog](cfg.IdempotentCacheCapacity, positiveOrZero(cfg.IdempotentCacheTTL))
	if err != nil {
		return nil, errors.WithMessage(err, "create idempotent cache failed")
	}
	e.retry = NewRetryTemplate(e.metrics, positiveOrZero(cfg.DefaultTaskTimeout)).withLogger(e.logger)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) Processors() *ProcessorRegistry {
	return e.processors
}

// RegisterProcessor 注册默认版本的处理器
func (e *Engine) RegisterProcessor(name string, processor Processor) error {
	return e.processors.Register(name, processor)
}

/**
 * @description: 注册工作流定义
 *               定义会被拷贝保存, 注册之后调用方再修改定义不会生效
 * @param definition *Definition
 * @return *Definition, error 存在环返回 ErrWorkflowDefinitionCyclic, 重复注册返回 ErrWorkflowDefinitionAlreadyExists
 */
func (e *Engine) CreateWorkflow(definition *Definition) (*Definition, error) {
	if definition == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "definition is nil")
	}
	stored := definition.Clone()
	if _, err := stored.validate(); err != nil {
		return nil, err
	}
	if _, loaded := e.definitions.LoadOrStore(stored.ID, stored); loaded {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionAlreadyExists, "definition: %s", stored.ID)
	}
	e.logger.Info("workflow definition registered", "definition_id", stored.ID, "nodes", len(stored.Nodes), "edges", len(stored.Edges))
	return definition, nil
}

// ValidateWorkflow 只校验不注册
func (e *Engine) ValidateWorkflow(definition *Definition) (*TopologyResult, error) {
	if definition == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "definition is nil")
	}
	return definition.validate()
}

func (e *Engine) GetDefinition(definitionID string) (*Definition, error) {
	def, err := e.getDefinition(definitionID)
	if err != nil {
		return nil, err
	}
	return def.Clone(), nil
}

func (e *Engine) getDefinition(definitionID string) (*Definition, error) {
	raw, ok := e.definitions.Load(definitionID)
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "definition: %s", definitionID)
	}
	return raw.(*Definition), nil
}

// StartWorkflow 使用随机id创建实例, 实例创建之后需要调用 RunWorkflow 执行
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, params map[string]any) (*Instance, error) {
	return e.StartWorkflowWithID(ctx, uuid.NewString(), definitionID, params)
}

/**
 * @description: 创建工作流实例, 状态为 running, 活跃节点为拓扑排序的第一层
 *               会对第一层的节点通知 OnNodeStart
 * @param ctx context.Context
 * @param instanceID 实例id, 不能重复
 * @param definitionID 定义id
 * @param params 启动参数, 作为实例上下文的初始值
 * @return *Instance, error
 */
func (e *Engine) StartWorkflowWithID(ctx context.Context, instanceID, definitionID string, params map[string]any) (*Instance, error) {
	if e.isClosed() {
		return nil, errors.WithMessage(ErrEngineShutdown, "start workflow rejected")
	}
	if instanceID == "" {
		return nil, errors.WithMessage(ErrInvalidArgument, "instance id is empty")
	}
	def, err := e.getDefinition(definitionID)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionDisabled, "definition: %s", definitionID)
	}
	topology, err := def.validate()
	if err != nil {
		return nil, err
	}
	if _, err := e.repo.GetInstance(ctx, instanceID); err == nil {
		return nil, errors.WithMessagef(ErrWorkflowInstanceAlreadyExists, "instance id: %s", instanceID)
	} else if !errors.Is(err, ErrWorkflowInstanceNotFound) {
		return nil, errors.WithMessagef(err, "check instance failed, instance id: %s", instanceID)
	}

	now := time.Now()
	instance := &Instance{
		ID:           instanceID,
		DefinitionID: definitionID,
		Status:       InstanceStatusRunning,
		Context:      deepCopyMap(params),
		ActiveNodes:  topology.InitialNodes(),
		StartTime:    now,
		UpdatedAt:    now,
	}
	record := newInstanceRecord(instance)
	record.startNotified = true
	if _, loaded := e.instances.LoadOrStore(instanceID, record); loaded {
		return nil, errors.WithMessagef(ErrWorkflowInstanceAlreadyExists, "instance id: %s", instanceID)
	}
	if err := e.repo.SaveInstance(context.WithoutCancel(ctx), instance); err != nil {
		e.instances.Delete(instanceID)
		return nil, errors.WithMessagef(err, "save instance failed, instance id: %s", instanceID)
	}
	e.logger.InfoContext(ctx, "workflow instance started", "instance_id", instanceID, "definition_id", definitionID)
	e.notifyNodeStart(instanceID, instance.ActiveNodes...)
	return instance.Clone(), nil
}

// ExecuteWorkflow 创建实例并同步执行到结束或者暂停
func (e *Engine) ExecuteWorkflow(ctx context.Context, definitionID string, params map[string]any) (*RunResult, error) {
	instance, err := e.StartWorkflow(ctx, definitionID, params)
	if err != nil {
		return nil, err
	}
	return e.RunWorkflow(ctx, instance.ID)
}

/**
 * @description: 运行工作流实例, 一个实例同一时间只会被一个调用推进
 *               如果有其他调用正在运行该工作流实例，则返回 ErrLockFailed
 *               实例暂停时会阻塞等待恢复或者取消, ctx 结束时返回
 * @param ctx context.Context
 * @param instanceID string
 * @return *RunResult, error
 */
func (e *Engine) RunWorkflow(ctx context.Context, instanceID string) (*RunResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.WithMessage(ErrEngineShutdown, "run workflow rejected")
	}
	e.runWG.Add(1)
	e.mu.Unlock()
	defer e.runWG.Done()

	record, err := e.loadRecord(ctx, instanceID)
	if err != nil {
		e.logError(ctx, err, "load instance failed", "instance_id", instanceID)
		return nil, err
	}
	instance, _ := record.snapshot()
	def, err := e.getDefinition(instance.DefinitionID)
	if err != nil {
		e.logError(ctx, err, "definition of instance missing", "instance_id", instanceID, "definition_id", instance.DefinitionID)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.baseCtx, cancel)
	defer stop()

	var result *RunResult
	err = e.lock.NonBlockingSynchronized(runCtx, runLockKey(instanceID), e.cfg.RunLockTTL, func(lockCtx context.Context) error {
		var runErr error
		result, runErr = e.execute(lockCtx, record, def)
		return runErr
	})
	if err != nil {
		e.logError(ctx, err, "run workflow failed", "instance_id", instanceID)
		return result, errors.WithMessagef(err, "run workflow failed, instance id: %s", instanceID)
	}
	return result, nil
}

// PauseWorkflow 只有 running 的实例可以暂停, 正在执行的批次会执行完
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID string) error {
	_, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.Status != InstanceStatusRunning {
			return false, errors.WithMessagef(ErrInvalidInstanceState, "pause requires running, instance id: %s, status: %s", instanceID, instance.Status)
		}
		instance.Status = InstanceStatusPaused
		return true, nil
	})
	return err
}

// ResumeWorkflow 只有 paused 的实例可以恢复
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID string) error {
	_, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.Status != InstanceStatusPaused {
			return false, errors.WithMessagef(ErrInvalidInstanceState, "resume requires paused, instance id: %s, status: %s", instanceID, instance.Status)
		}
		instance.Status = InstanceStatusRunning
		return true, nil
	})
	return err
}

// CancelWorkflow 已经结束的实例直接返回成功, 正在执行的批次不会被中断, 只是不再派发下一批次
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID string) error {
	_, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.IsOver() {
			return false, nil
		}
		instance.Status = InstanceStatusCancelled
		instance.EndTime = time.Now()
		instance.Error = "cancelled by caller"
		instance.ActiveNodes = make([]string, 0)
		return true, nil
	})
	return err
}

// RestartWorkflow 只有失败和取消状态可以重启，正常完成的不能重启
// 重启之后需要调用 RunWorkflow, 已经成功的节点不会再执行
func (e *Engine) RestartWorkflow(ctx context.Context, instanceID string) error {
	if e.isClosed() {
		return errors.WithMessage(ErrEngineShutdown, "restart workflow rejected")
	}
	_, err := e.updateInstance(ctx, instanceID, func(instance *Instance) (bool, error) {
		if instance.Status != InstanceStatusFailed && instance.Status != InstanceStatusCancelled {
			return false, errors.WithMessagef(ErrInvalidInstanceState, "restart requires failed or canceled, instance id: %s, status: %s", instanceID, instance.Status)
		}
		instance.Status = InstanceStatusRunning
		instance.EndTime = time.Time{}
		instance.Error = ""
		return true, nil
	})
	return err
}

func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*Instance, error) {
	record, err := e.loadRecord(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	instance, _ := record.snapshot()
	return instance, nil
}

func (e *Engine) GetExecutionLogs(ctx context.Context, instanceID string) ([]*ExecutionLog, error) {
	if _, err := e.loadRecord(ctx, instanceID); err != nil {
		return nil, err
	}
	logs, err := e.repo.QueryExecutionLogs(ctx, instanceID)
	if err != nil {
		return nil, errors.WithMessagef(err, "query execution logs failed, instance id: %s", instanceID)
	}
	return logs, nil
}

func (e *Engine) ListInstances(ctx context.Context, param *QueryInstanceParams) ([]*Instance, error) {
	return e.repo.QueryInstances(ctx, param)
}

// IdempotentCacheStats 幂等缓存统计
func (e *Engine) IdempotentCacheStats() IdempotentCacheStats {
	return e.cache.Stats()
}

/**
 * @description: 优雅关闭
 *               1. 拒绝新的启动和运行
 *               2. 运行中的实例在下一批次之前变成 canceled
 *               3. 等待执行中的批次结束, ctx 没有deadline时最多等待 Config.ShutdownTimeout
 *               4. 超时之后取消执行中批次的ctx, 返回错误
 * @param ctx context.Context
 * @return error
 */
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "workflow engine shutting down")

	// 唤醒等待恢复的实例
	e.instances.Range(func(_, value any) bool {
		record := value.(*instanceRecord)
		record.mu.Lock()
		close(record.changed)
		record.changed = make(chan struct{})
		record.mu.Unlock()
		return true
	})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		close(done)
	}()
	defer e.baseCancel()
	select {
	case <-done:
		e.logger.InfoContext(ctx, "workflow engine shut down")
		return nil
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "workflow engine shutdown timed out, abandoning in-flight batches")
		return errors.WithMessage(ctx.Err(), "shutdown timed out, in-flight batches abandoned")
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// loadRecord 内存中没有时从存储加载, 支持进程重启之后继续推进实例
func (e *Engine) loadRecord(ctx context.Context, instanceID string) (*instanceRecord, error) {
	if raw, ok := e.instances.Load(instanceID); ok {
		return raw.(*instanceRecord), nil
	}
	instance, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	raw, _ := e.instances.LoadOrStore(instanceID, newInstanceRecord(instance))
	return raw.(*instanceRecord), nil
}

/**
 * @description: 实例的原子修改, 同一个实例的修改串行执行
 * @param fn 在拷贝上修改, 返回false表示没有修改, 返回error表示拒绝修改
 * @return *Instance 修改之后的快照
 */
func (e *Engine) updateInstance(ctx context.Context, instanceID string, fn func(instance *Instance) (bool, error)) (*Instance, error) {
	record, err := e.loadRecord(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	next := record.instance.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return next, nil
	}
	next.UpdatedAt = time.Now()
	if err := e.repo.SaveInstance(context.WithoutCancel(ctx), next); err != nil {
		return nil, errors.WithMessagef(err, "save instance failed, instance id: %s", instanceID)
	}
	record.instance = next
	close(record.changed)
	record.changed = make(chan struct{})
	return next.Clone(), nil
}
