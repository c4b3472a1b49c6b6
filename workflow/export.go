package workflow

import "context"

// WorkflowService 引擎对外的接口, 调用方依赖接口方便替换和mock
type WorkflowService interface {
	/**
	 * @description: 注册工作流定义
	 * @param definition *Definition
	 * @return *Definition, error 定义存在环时返回 ErrWorkflowDefinitionCyclic
	 */
	CreateWorkflow(definition *Definition) (*Definition, error)
	/**
	 * @description: 创建工作流实例, 不执行
	 * @param ctx context.Context
	 * @param definitionID 工作流定义id
	 * @param params 启动参数
	 * @return *Instance, error 定义不存在时返回 ErrWorkflowDefinitionNotFound
	 */
	StartWorkflow(ctx context.Context, definitionID string, params map[string]any) (*Instance, error)
	/**
	 * @description: 运行工作流
	 *				 一个工作流实例只会被一个goroutine运行
	 *				 如果有其他goroutine正在运行该工作流实例，则返回 ErrLockFailed
	 * @param ctx context.Context
	 * @param instanceID string
	 * @return *RunResult, error
	 */
	RunWorkflow(ctx context.Context, instanceID string) (*RunResult, error)
	// ExecuteWorkflow 创建并运行
	ExecuteWorkflow(ctx context.Context, definitionID string, params map[string]any) (*RunResult, error)
	/**
	 * @description: 暂停工作流, 只有 running 可以暂停, 当前批次会执行完
	 * @return error 状态不对时返回 ErrInvalidInstanceState
	 */
	PauseWorkflow(ctx context.Context, instanceID string) error
	/**
	 * @description: 恢复工作流, 只有 paused 可以恢复
	 * @return error 状态不对时返回 ErrInvalidInstanceState
	 */
	ResumeWorkflow(ctx context.Context, instanceID string) error
	/**
	 * @description: 取消工作流, 已经结束的实例直接返回nil
	 * @param ctx context.Context
	 * @param instanceID string
	 * @return error
	 */
	CancelWorkflow(ctx context.Context, instanceID string) error
	/**
	 * @description: 重启工作流实例, 只有失败和取消状态可以重启，正常完成的不能重启
	 *               重启之后需要调用 RunWorkflow, 已经成功的节点不会重复执行
	 * @param ctx context.Context
	 * @param instanceID string
	 * @return error
	 */
	RestartWorkflow(ctx context.Context, instanceID string) error
	GetStatus(ctx context.Context, instanceID string) (*Instance, error)
	GetExecutionLogs(ctx context.Context, instanceID string) ([]*ExecutionLog, error)
	ListInstances(ctx context.Context, param *QueryInstanceParams) ([]*Instance, error)
	RegisterEventListener(listener EventListener) error
	RemoveEventListener(listener EventListener) bool
	// Shutdown 优雅关闭
	Shutdown(ctx context.Context) error
}

var _ WorkflowService = (*Engine)(nil)

// NewWorkflowService 使用存储和锁创建引擎, 其他配置使用默认值
func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock, opts ...EngineOption) (WorkflowService, error) {
	opts = append([]EngineOption{WithWorkflowRepo(repo), WithWorkflowLock(executeLock)}, opts...)
	return NewEngine(Config{}, opts...)
}
