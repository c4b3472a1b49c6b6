package workflow

import (
	"slices"

	"github.com/pkg/errors"
)

// EdgePredicate 过滤参与排序的边, 返回false的边不计入入度
type EdgePredicate func(edge *Edge) bool

// AcceptUnconditional 只接受无条件边
func AcceptUnconditional(edge *Edge) bool {
	return !edge.IsConditional()
}

// AcceptWhen 接受无条件边和条件当前为true的边, 求值失败的边视为不接受
func AcceptWhen(evaluator ConditionEvaluator, vars map[string]any) EdgePredicate {
	return func(edge *Edge) bool {
		if !edge.IsConditional() {
			return true
		}
		ok, err := evaluator.Evaluate(edge.Condition, vars)
		return err == nil && ok
	}
}

// TopologyResult 拓扑排序结果, 所有访问方法都返回拷贝
type TopologyResult struct {
	order      []string
	layers     [][]string
	initial    []string
	unresolved []string
}

func (r *TopologyResult) Order() []string {
	return slices.Clone(r.order)
}

func (r *TopologyResult) Layers() [][]string {
	layers := make([][]string, 0, len(r.layers))
	for _, layer := range r.layers {
		layers = append(layers, slices.Clone(layer))
	}
	return layers
}

func (r *TopologyResult) InitialNodes() []string {
	return slices.Clone(r.initial)
}

func (r *TopologyResult) HasCycle() bool {
	return len(r.unresolved) > 0
}

// UnresolvedNodes 存在环时无法排序的节点, 按定义顺序返回
func (r *TopologyResult) UnresolvedNodes() []string {
	return slices.Clone(r.unresolved)
}

/**
 * @description: 批量 Kahn 拓扑排序, 每次把整个就绪队列作为一层取出
 *               环不会返回错误, 通过 HasCycle/UnresolvedNodes 表达
 * @param nodes 节点, 顺序决定同一层内的顺序
 * @param edges 边, 顺序决定后继的访问顺序
 * @param accept 边过滤, nil 表示接受所有边
 * @return *TopologyResult, error 边引用不存在的节点时返回 ErrUnknownEdgeEndpoint
 */
func SortTopology(nodes []*Node, edges []*Edge, accept EdgePredicate) (*TopologyResult, error) {
	indexOf := make(map[string]int, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, errors.WithMessage(ErrInvalidArgument, "nil node")
		}
		if _, ok := indexOf[n.ID]; ok {
			return nil, errors.WithMessagef(ErrInvalidArgument, "duplicate node id: %s", n.ID)
		}
		indexOf[n.ID] = len(ids)
		ids = append(ids, n.ID)
	}

	inDegree := make([]int, len(ids))
	successors := make([][]int, len(ids))
	for _, e := range edges {
		if e == nil {
			return nil, errors.WithMessage(ErrInvalidArgument, "nil edge")
		}
		from, ok := indexOf[e.From]
		if !ok {
			return nil, errors.WithMessagef(ErrUnknownEdgeEndpoint, "edge %s -> %s, unknown from node: %s", e.From, e.To, e.From)
		}
		to, ok := indexOf[e.To]
		if !ok {
			return nil, errors.WithMessagef(ErrUnknownEdgeEndpoint, "edge %s -> %s, unknown to node: %s", e.From, e.To, e.To)
		}
		if accept != nil && !accept(e) {
			continue
		}
		inDegree[to]++
		successors[from] = append(successors[from], to)
	}

	queue := make([]int, 0, len(ids))
	for i := range ids {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	result := &TopologyResult{
		order:  make([]string, 0, len(ids)),
		layers: make([][]string, 0),
	}
	for _, i := range queue {
		result.initial = append(result.initial, ids[i])
	}

	visited := make([]bool, len(ids))
	for len(queue) > 0 {
		batch := queue
		queue = make([]int, 0)
		layer := make([]string, 0, len(batch))
		for _, i := range batch {
			visited[i] = true
			layer = append(layer, ids[i])
			result.order = append(result.order, ids[i])
			for _, next := range successors[i] {
				inDegree[next]--
				if inDegree[next] == 0 {
					queue = append(queue, next)
				}
			}
		}
		result.layers = append(result.layers, layer)
	}

	if len(result.order) < len(ids) {
		for i, id := range ids {
			if !visited[i] && inDegree[i] > 0 {
				result.unresolved = append(result.unresolved, id)
			}
		}
	}
	return result, nil
}
