package workflow

import (
	"maps"
	"slices"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Node 工作流节点定义, 注册之后不可变
type Node struct {
	ID   string   `json:"id" validate:"required"`
	Name string   `json:"name"`
	Type NodeType `json:"type" validate:"omitempty,oneof=task condition parallel end"`
	// ProcessorType 处理器名称, 为空时节点只做结构作用(汇聚/分叉), 直接成功
	ProcessorType  string         `json:"processor_type"`
	Params         map[string]any `json:"params"`
	AllowFailure   bool           `json:"allow_failure"`
	TimeoutSeconds int64          `json:"timeout_seconds" validate:"gte=0"`
}

func NewNode(id, name string, nodeType NodeType, processorType string) *Node {
	if nodeType == "" {
		nodeType = NodeTypeTask
	}
	return &Node{
		ID:            id,
		Name:          name,
		Type:          nodeType,
		ProcessorType: processorType,
		Params:        make(map[string]any),
	}
}

func (n *Node) WithParam(key string, value any) *Node {
	if n.Params == nil {
		n.Params = make(map[string]any)
	}
	n.Params[key] = value
	return n
}

func (n *Node) WithAllowFailure(allow bool) *Node {
	n.AllowFailure = allow
	return n
}

func (n *Node) WithTimeoutSeconds(seconds int64) *Node {
	n.TimeoutSeconds = seconds
	return n
}

func (n *Node) clone() *Node {
	c := *n
	c.Params = maps.Clone(n.Params)
	return &c
}

// Edge 有向边, Condition 为空表示无条件
type Edge struct {
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Condition string `json:"condition"`
}

func (e *Edge) IsConditional() bool {
	return e.Condition != ""
}

// Definition 工作流定义
// 构建过程中不做任何校验, 校验统一在 ValidateTopology/注册时完成
type Definition struct {
	ID            string         `json:"id" validate:"required"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Nodes         []*Node        `json:"nodes" validate:"dive,required"`
	Edges         []*Edge        `json:"edges" validate:"dive,required"`
	DefaultParams map[string]any `json:"default_params"`
	Enabled       bool           `json:"enabled"`
}

func NewDefinition(id, name string) *Definition {
	return &Definition{
		ID:            id,
		Name:          name,
		Nodes:         make([]*Node, 0),
		Edges:         make([]*Edge, 0),
		DefaultParams: make(map[string]any),
		Enabled:       true,
	}
}

func (d *Definition) WithDescription(description string) *Definition {
	d.Description = description
	return d
}

func (d *Definition) WithDefaultParam(key string, value any) *Definition {
	if d.DefaultParams == nil {
		d.DefaultParams = make(map[string]any)
	}
	d.DefaultParams[key] = value
	return d
}

func (d *Definition) WithEnabled(enabled bool) *Definition {
	d.Enabled = enabled
	return d
}

// AddNode 同一个id重复添加时原位置替换
func (d *Definition) AddNode(node *Node) *Definition {
	if node == nil {
		return d
	}
	for i, n := range d.Nodes {
		if n.ID == node.ID {
			d.Nodes[i] = node
			return d
		}
	}
	d.Nodes = append(d.Nodes, node)
	return d
}

func (d *Definition) AddEdge(edge *Edge) *Definition {
	if edge == nil {
		return d
	}
	d.Edges = append(d.Edges, edge)
	return d
}

func (d *Definition) Connect(from, to string) *Definition {
	return d.AddEdge(&Edge{From: from, To: to})
}

func (d *Definition) ConnectIf(from, to, condition string) *Definition {
	return d.AddEdge(&Edge{From: from, To: to, Condition: condition})
}

func (d *Definition) Node(id string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

func (d *Definition) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Clone 深拷贝, 引擎内部只保存拷贝, 调用方后续修改不会影响已注册的定义
func (d *Definition) Clone() *Definition {
	c := &Definition{
		ID:            d.ID,
		Name:          d.Name,
		Description:   d.Description,
		Nodes:         make([]*Node, 0, len(d.Nodes)),
		Edges:         make([]*Edge, 0, len(d.Edges)),
		DefaultParams: maps.Clone(d.DefaultParams),
		Enabled:       d.Enabled,
	}
	for _, n := range d.Nodes {
		c.Nodes = append(c.Nodes, n.clone())
	}
	for _, e := range d.Edges {
		edge := *e
		c.Edges = append(c.Edges, &edge)
	}
	return c
}

// ValidateTopology 使用全部边做静态校验
func (d *Definition) ValidateTopology() (*TopologyResult, error) {
	return SortTopology(d.Nodes, d.Edges, nil)
}

// validate 结构校验 + 拓扑校验, 环是致命错误
func (d *Definition) validate() (*TopologyResult, error) {
	if err := validatorUtil.Struct(d); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "definition: %s, err: %v", d.ID, err)
	}
	seen := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, ok := seen[n.ID]; ok {
			return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "duplicate node id: %s, definition: %s", n.ID, d.ID)
		}
		seen[n.ID] = struct{}{}
	}
	result, err := d.ValidateTopology()
	if err != nil {
		return nil, errors.WithMessagef(err, "definition: %s", d.ID)
	}
	if result.HasCycle() {
		return result, errors.WithMessagef(ErrWorkflowDefinitionCyclic, "definition: %s, unresolved nodes: %v", d.ID, result.UnresolvedNodes())
	}
	return result, nil
}

// DefinitionConfig 工作流配置, 用json描述一个工作流
type DefinitionConfig struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Description   string                  `json:"description"`
	Enabled       *bool                   `json:"enabled"` // 为空默认启用
	DefaultParams map[string]any          `json:"default_params"`
	Nodes         []*NodeDefinitionConfig `json:"nodes"`
}

// NodeDefinitionConfig 节点定义配置
type NodeDefinitionConfig struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           NodeType          `json:"type"`
	ProcessorType  string            `json:"processor_type"`
	Params         map[string]any    `json:"params"`
	AllowFailure   bool              `json:"allow_failure"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
	NextNodes      []string          `json:"next_nodes"` // 后置节点ID列表
	Conditions     map[string]string `json:"conditions"` // 后置节点ID -> 条件
}

func ParseDefinitionConfig(b []byte) (*DefinitionConfig, error) {
	config := &DefinitionConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "unmarshal definition config failed, err: %v", err)
	}
	return config, nil
}

// BuildDefinition 把配置转化成定义, 不做拓扑校验
func BuildDefinition(config *DefinitionConfig) (*Definition, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrInvalidArgument, "config is nil")
	}
	d := NewDefinition(config.ID, config.Name).WithDescription(config.Description)
	if config.Enabled != nil {
		d.Enabled = *config.Enabled
	}
	for k, v := range config.DefaultParams {
		d.WithDefaultParam(k, v)
	}
	for _, nc := range config.Nodes {
		if nc == nil {
			continue
		}
		node := NewNode(nc.ID, nc.Name, nc.Type, nc.ProcessorType).
			WithAllowFailure(nc.AllowFailure).
			WithTimeoutSeconds(nc.TimeoutSeconds)
		for k, v := range nc.Params {
			node.WithParam(k, v)
		}
		d.AddNode(node)
	}
	for _, nc := range config.Nodes {
		if nc == nil {
			continue
		}
		for to := range nc.Conditions {
			if !slices.Contains(nc.NextNodes, to) {
				return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "node %s has condition for %s which is not in next_nodes", nc.ID, to)
			}
		}
		for _, next := range nc.NextNodes {
			d.ConnectIf(nc.ID, next, nc.Conditions[next])
		}
	}
	return d, nil
}
