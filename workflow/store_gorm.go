package workflow

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowInstancePo struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	InstanceID      string         `gorm:"column:instance_id;size:64;uniqueIndex" json:"instance_id"`
	DefinitionID    string         `gorm:"column:definition_id;size:128;index" json:"definition_id"`
	Status          InstanceStatus `gorm:"column:status;size:32" json:"status"`
	WorkflowContext []byte         `gorm:"column:workflow_context" json:"workflow_context"` // 工作流上下文
	ActiveNodes     []byte         `gorm:"column:active_nodes" json:"active_nodes"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message"`
	StartedAt       int64          `gorm:"column:started_at" json:"started_at"` // 毫秒
	EndedAt         int64          `gorm:"column:ended_at" json:"ended_at"`     // 毫秒, 0表示没有结束
	CreatedAt       int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type ExecutionLogPo struct {
	ID            int64              `gorm:"column:id;primaryKey;autoIncrement"`
	InstanceID    string             `gorm:"column:instance_id;size:64;index"`
	NodeID        string             `gorm:"column:node_id;size:128"`
	Status        ExecutionLogStatus `gorm:"column:status;size:32"`
	Input         []byte             `gorm:"column:input"`
	Output        []byte             `gorm:"column:output"`
	ErrorMessage  string             `gorm:"column:error_message"`
	Attempts      int                `gorm:"column:attempts"`
	IdempotentHit bool               `gorm:"column:idempotent_hit"`
	StartedAt     int64              `gorm:"column:started_at"`  // 毫秒
	DurationMs    int64              `gorm:"column:duration_ms"` // 毫秒
	CreatedAt     int64              `gorm:"column:created_at"`
}

func (ExecutionLogPo) TableName() string {
	return "execution_log"
}

type workflowRepo struct {
	db *gorm.DB
}

// NewWorkflowRepo 基于gorm的存储, 表结构见 WorkflowInstancePo, ExecutionLogPo
func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

// AutoMigrate 创建或者更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WorkflowInstancePo{}, &ExecutionLogPo{})
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func toInstancePo(instance *Instance) (*WorkflowInstancePo, error) {
	workflowContext, err := marshalOrNil(instance.Context)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal workflow context failed")
	}
	activeNodes, err := marshalOrNil(instance.ActiveNodes)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal active nodes failed")
	}
	po := &WorkflowInstancePo{
		InstanceID:      instance.ID,
		DefinitionID:    instance.DefinitionID,
		Status:          instance.Status,
		WorkflowContext: workflowContext,
		ActiveNodes:     activeNodes,
		ErrorMessage:    instance.Error,
		StartedAt:       instance.StartTime.UnixMilli(),
	}
	if !instance.EndTime.IsZero() {
		po.EndedAt = instance.EndTime.UnixMilli()
	}
	return po, nil
}

func (po *WorkflowInstancePo) toInstance() (*Instance, error) {
	instance := &Instance{
		ID:           po.InstanceID,
		DefinitionID: po.DefinitionID,
		Status:       po.Status,
		Context:      make(map[string]any),
		ActiveNodes:  make([]string, 0),
		Error:        po.ErrorMessage,
		StartTime:    time.UnixMilli(po.StartedAt),
		UpdatedAt:    time.Unix(po.UpdatedAt, 0),
	}
	if po.EndedAt > 0 {
		instance.EndTime = time.UnixMilli(po.EndedAt)
	}
	if len(po.WorkflowContext) > 0 {
		if err := json.Unmarshal(po.WorkflowContext, &instance.Context); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal workflow context failed, instance id: %s", po.InstanceID)
		}
	}
	if len(po.ActiveNodes) > 0 {
		if err := json.Unmarshal(po.ActiveNodes, &instance.ActiveNodes); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal active nodes failed, instance id: %s", po.InstanceID)
		}
	}
	return instance, nil
}

func (r *workflowRepo) SaveInstance(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil instance")
	}
	po, err := toInstancePo(instance)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	po.CreatedAt = now
	po.UpdatedAt = now
	err = r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "workflow_context", "active_nodes", "error_message", "ended_at", "updated_at",
		}),
	}).Create(po).Error
	if err != nil {
		return errors.WithMessagef(err, "SaveInstance failed, instance id: %s", instance.ID)
	}
	return nil
}

func (r *workflowRepo) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	pos := make([]*WorkflowInstancePo, 0)
	err := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}).
		Where("instance_id = ?", instanceID).Limit(1).Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "GetInstance failed, instance id: %s", instanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance id: %s", instanceID)
	}
	return pos[0].toInstance()
}

func buildQueryInstanceParams(db *gorm.DB, param *QueryInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "nil QueryInstanceParams")
	}
	if len(param.InstanceIDIn) != 0 {
		db = db.Where("instance_id IN ?", param.InstanceIDIn)
	}
	if param.DefinitionID != nil {
		db = db.Where("definition_id = ?", *param.DefinitionID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	// 排序处理
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	offset, limit := param.Page.normalize()
	if limit >= 0 {
		db = db.Offset(offset).Limit(limit)
	}
	return db, nil
}

func (r *workflowRepo) QueryInstances(ctx context.Context, param *QueryInstanceParams) ([]*Instance, error) {
	db, err := buildQueryInstanceParams(r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{}), param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryInstances failed")
	}
	ret := make([]*Instance, 0, len(pos))
	for _, po := range pos {
		instance, err := po.toInstance()
		if err != nil {
			return nil, err
		}
		ret = append(ret, instance)
	}
	return ret, nil
}

func (r *workflowRepo) SaveExecutionLog(ctx context.Context, log *ExecutionLog) error {
	if log == nil {
		return errors.WithMessage(ErrInvalidArgument, "nil execution log")
	}
	input, err := marshalOrNil(log.input)
	if err != nil {
		return errors.WithMessage(err, "marshal input failed")
	}
	output, err := marshalOrNil(log.output)
	if err != nil {
		return errors.WithMessage(err, "marshal output failed")
	}
	po := &ExecutionLogPo{
		InstanceID:    log.instanceID,
		NodeID:        log.nodeID,
		Status:        log.status,
		Input:         input,
		Output:        output,
		ErrorMessage:  log.errorMessage,
		Attempts:      log.attempts,
		IdempotentHit: log.idempotentHit,
		StartedAt:     log.startTime.UnixMilli(),
		DurationMs:    log.duration.Milliseconds(),
		CreatedAt:     time.Now().Unix(),
	}
	if err := r.GetDBWithContext(ctx).Create(po).Error; err != nil {
		return errors.WithMessagef(err, "SaveExecutionLog failed, instance id: %s, node id: %s", log.instanceID, log.nodeID)
	}
	return nil
}

func (r *workflowRepo) QueryExecutionLogs(ctx context.Context, instanceID string) ([]*ExecutionLog, error) {
	pos := make([]*ExecutionLogPo, 0)
	err := r.GetDBWithContext(ctx).Model(&ExecutionLogPo{}).
		Where("instance_id = ?", instanceID).Order("id asc").Find(&pos).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryExecutionLogs failed, instance id: %s", instanceID)
	}
	ret := make([]*ExecutionLog, 0, len(pos))
	for _, po := range pos {
		opts := []ExecutionLogOption{
			WithLogTiming(time.UnixMilli(po.StartedAt), time.Duration(po.DurationMs)*time.Millisecond),
			WithLogError(po.ErrorMessage),
			WithLogAttempts(po.Attempts),
			WithLogIdempotentHit(po.IdempotentHit),
		}
		if len(po.Input) > 0 {
			opts = append(opts, WithLogInput(NewJSONContext(po.Input).ToMap()))
		}
		if len(po.Output) > 0 {
			opts = append(opts, WithLogOutput(NewJSONContext(po.Output).ToMap()))
		}
		ret = append(ret, NewExecutionLog(po.NodeID, po.InstanceID, po.Status, opts...))
	}
	return ret, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *workflowRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction 已经在事务中时复用外层事务
func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
