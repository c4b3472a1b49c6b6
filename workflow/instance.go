package workflow

import (
	"slices"
	"time"
)

// Instance 工作流实例快照, 对外返回的都是拷贝
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Status       InstanceStatus `json:"status"`
	// Context 启动参数 + 节点输出, 节点输出写在节点ID下
	Context     map[string]any `json:"context"`
	ActiveNodes []string       `json:"active_nodes"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"` // 没有结束时为零值
	// Error 失败或者取消的原因
	Error     string    `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Context = deepCopyMap(i.Context)
	c.ActiveNodes = slices.Clone(i.ActiveNodes)
	return &c
}

func (i *Instance) IsOver() bool {
	return IsOverInstanceStatus(i.Status)
}

// ContextValue 按路径读取上下文
func (i *Instance) ContextValue(keys ...string) (any, bool) {
	return NewJSONContextFromMap(i.Context).Get(keys...)
}

// RunResult 一次 RunWorkflow 的结果
type RunResult struct {
	InstanceID string          `json:"instance_id"`
	Status     InstanceStatus  `json:"status"`
	Logs       []*ExecutionLog `json:"-"`
	Error      string          `json:"error"`
}
