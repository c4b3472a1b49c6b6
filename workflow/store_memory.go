package workflow

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

type memoryInstanceRecord struct {
	seq      int64
	instance *Instance
}

// memoryWorkflowRepo 进程内存储, 重启后数据丢失
type memoryWorkflowRepo struct {
	mu        sync.RWMutex
	seq       int64
	instances map[string]*memoryInstanceRecord
	logs      map[string][]*ExecutionLog
}

func NewMemoryWorkflowRepo() WorkflowRepo {
	return &memoryWorkflowRepo{
		instances: make(map[string]*memoryInstanceRecord),
		logs:      make(map[string][]*ExecutionLog),
	}
}

func (r *memoryWorkflowRepo) SaveInstance(_ context.Context, instance *Instance) error {
	if instance == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil instance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.instances[instance.ID]; ok {
		record.instance = instance.Clone()
		return nil
	}
	r.seq++
	r.instances[instance.ID] = &memoryInstanceRecord{seq: r.seq, instance: instance.Clone()}
	return nil
}

func (r *memoryWorkflowRepo) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.instances[instanceID]
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance id: %s", instanceID)
	}
	return record.instance.Clone(), nil
}

func (r *memoryWorkflowRepo) QueryInstances(_ context.Context, param *QueryInstanceParams) ([]*Instance, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "nil QueryInstanceParams")
	}
	r.mu.RLock()
	records := make([]*memoryInstanceRecord, 0, len(r.instances))
	for _, record := range r.instances {
		inst := record.instance
		if len(param.InstanceIDIn) > 0 && !slices.Contains(param.InstanceIDIn, inst.ID) {
			continue
		}
		if param.DefinitionID != nil && inst.DefinitionID != *param.DefinitionID {
			continue
		}
		if len(param.StatusIn) > 0 && !slices.Contains(param.StatusIn, inst.Status) {
			continue
		}
		records = append(records, record)
	}
	r.mu.RUnlock()

	desc := param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc
	slices.SortFunc(records, func(a, b *memoryInstanceRecord) int {
		if desc {
			return int(b.seq - a.seq)
		}
		return int(a.seq - b.seq)
	})
	offset, limit := param.Page.normalize()
	ret := make([]*Instance, 0)
	for i := offset; i < len(records); i++ {
		if limit >= 0 && len(ret) >= limit {
			break
		}
		ret = append(ret, records[i].instance.Clone())
	}
	return ret, nil
}

func (r *memoryWorkflowRepo) SaveExecutionLog(_ context.Context, log *ExecutionLog) error {
	if log == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil execution log")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// ExecutionLog 不可变, 直接保存引用
	r.logs[log.InstanceID()] = append(r.logs[log.InstanceID()], log)
	return nil
}

func (r *memoryWorkflowRepo) QueryExecutionLogs(_ context.Context, instanceID string) ([]*ExecutionLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.logs[instanceID]), nil
}

// Transaction 内存实现没有回滚能力, 直接执行
func (r *memoryWorkflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
