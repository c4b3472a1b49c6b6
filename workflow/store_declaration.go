package workflow

import (
	"context"
)

// WorkflowRepo 实例和执行日志的持久化, 引擎默认使用内存实现
type WorkflowRepo interface {
	// SaveInstance 不存在时插入, 存在时覆盖
	SaveInstance(ctx context.Context, instance *Instance) error
	// GetInstance 不存在时返回 ErrWorkflowInstanceNotFound
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	QueryInstances(ctx context.Context, param *QueryInstanceParams) ([]*Instance, error)
	SaveExecutionLog(ctx context.Context, log *ExecutionLog) error
	// QueryExecutionLogs 按写入顺序返回
	QueryExecutionLogs(ctx context.Context, instanceID string) ([]*ExecutionLog, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type QueryInstanceParams struct {
	InstanceIDIn []string `json:"instance_id_in"`
	DefinitionID *string  `json:"definition_id"`
	StatusIn     []string `json:"status_in"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

// normalize 返回 offset, limit; limit<0 表示不分页
func (p *Pager) normalize() (int, int) {
	if p == nil || (p.IsNoLimit != nil && *p.IsNoLimit) {
		return 0, -1
	}
	page, size := p.Page, p.Size
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}
	return int((page - 1) * size), int(size)
}
