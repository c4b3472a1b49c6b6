package workflow

import (
	"maps"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// JSONContext 节点之间传递的数据, 参数/变量/输出都用它承载
// 不是并发安全的, 引擎在合并输出时自己加锁
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 解析失败时得到空上下文
func NewJSONContext(b []byte) *JSONContext {
	data := make(map[string]any)
	if len(b) > 0 {
		if err := json.Unmarshal(b, &data); err != nil {
			data = make(map[string]any)
		}
	}
	return &JSONContext{data: data}
}

// NewJSONContextFromMap 直接持有传入的 map, 不做拷贝
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// lookup 沿路径向下查找, 中间节点必须是对象
func (c *JSONContext) lookup(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var node any = c.data
	for _, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return node, true
}

// parentOf 返回路径最后一段所在的对象, create 为 true 时补齐缺失或非对象的中间节点
func (c *JSONContext) parentOf(path []string, create bool) map[string]any {
	obj := c.data
	for _, key := range path[:len(path)-1] {
		next, ok := obj[key].(map[string]any)
		if !ok {
			if !create {
				return nil
			}
			next = make(map[string]any)
			obj[key] = next
		}
		obj = next
	}
	return obj
}

// Get 按路径取值, Get("user", "name") 对应 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	return c.lookup(keys)
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	v, _ := c.lookup(keys)
	s, ok := v.(string)
	return s, ok
}

// GetInt64 json 解出来的数字是 float64, 这里会截断小数
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	v, _ := c.lookup(keys)
	return asNumber[int64](v)
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	v, _ := c.lookup(keys)
	return asNumber[float64](v)
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	v, _ := c.lookup(keys)
	b, ok := v.(bool)
	return b, ok
}

func asNumber[T int64 | float64](v any) (T, bool) {
	switch n := v.(type) {
	case float64:
		return T(n), true
	case float32:
		return T(n), true
	case int:
		return T(n), true
	case int32:
		return T(n), true
	case int64:
		return T(n), true
	case uint64:
		return T(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return T(f), true
	}
	return 0, false
}

// Set 按路径写值, 中间节点不是对象时会被覆盖
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.WithMessage(ErrInvalidArgument, "keys cannot be empty")
	}
	c.parentOf(keys, true)[keys[len(keys)-1]] = value
	return nil
}

// Delete 路径不存在时什么都不做
func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	if obj := c.parentOf(keys, false); obj != nil {
		delete(obj, keys[len(keys)-1])
	}
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToBytesWithoutError 序列化失败返回 nil, 用于日志和持久化的快照
func (c *JSONContext) ToBytesWithoutError() []byte {
	b, err := c.ToBytes()
	if err != nil {
		return nil
	}
	return b
}

func (c *JSONContext) ToRawMessage() (json.RawMessage, error) {
	return c.ToBytes()
}

// ToMap 返回内部 map 本身, 修改会反映到上下文
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝对象和数组, 标量直接复用
func (c *JSONContext) Clone() *JSONContext {
	return &JSONContext{data: deepCopyMap(c.data)}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopyValue(x[i])
		}
		return out
	}
	return v
}

// Len 顶层 key 的数量
func (c *JSONContext) Len() int {
	return len(c.data)
}

// Unmarshal 借助一次序列化把上下文转成结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return errors.WithMessage(err, "marshal context failed")
	}
	return json.Unmarshal(b, v)
}

// MergeJSONContexts 浅合并顶层 key, 靠后的覆盖靠前的, nil 被忽略
func MergeJSONContexts(contexts ...*JSONContext) *JSONContext {
	out := make(map[string]any)
	for _, c := range contexts {
		if c != nil {
			maps.Copy(out, c.data)
		}
	}
	return &JSONContext{data: out}
}
