package workflow

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONContext_Getters(t *testing.T) {
	vars := NewJSONContext([]byte(`{
		"order_id": "ORDER-001",
		"amount": 99.5,
		"pay": {"transaction_id": "TXN-1", "attempts": 2, "settled": true},
		"tags": ["vip"]
	}`))

	t.Run("字符串", func(t *testing.T) {
		v, ok := vars.GetString("pay", "transaction_id")
		assert.True(t, ok)
		assert.Equal(t, "TXN-1", v)
		_, ok = vars.GetString("amount")
		assert.False(t, ok, "类型不匹配")
	})
	t.Run("数字", func(t *testing.T) {
		attempts, ok := vars.GetInt64("pay", "attempts")
		assert.True(t, ok)
		assert.Equal(t, int64(2), attempts)
		amount, ok := vars.GetInt64("amount")
		assert.True(t, ok)
		assert.Equal(t, int64(99), amount, "小数被截断")
		f, ok := vars.GetFloat64("amount")
		assert.True(t, ok)
		assert.Equal(t, 99.5, f)
	})
	t.Run("布尔", func(t *testing.T) {
		settled, ok := vars.GetBool("pay", "settled")
		assert.True(t, ok)
		assert.True(t, settled)
	})
	t.Run("路径不存在", func(t *testing.T) {
		_, ok := vars.Get()
		assert.False(t, ok)
		_, ok = vars.Get("pay", "missing")
		assert.False(t, ok)
		_, ok = vars.Get("order_id", "nested")
		assert.False(t, ok, "字符串不能继续下钻")
		_, ok = vars.Get("tags", "0")
		assert.False(t, ok, "数组不能按下标访问")
	})
}

func TestJSONContext_NumberKinds(t *testing.T) {
	out := NewJSONContextFromMap(map[string]any{
		"int":    7,
		"int32":  int32(8),
		"uint64": uint64(9),
		"number": json.Number("10.5"),
		"bad":    json.Number("x"),
	})
	for key, want := range map[string]float64{"int": 7, "int32": 8, "uint64": 9, "number": 10.5} {
		got, ok := out.GetFloat64(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := out.GetInt64("bad")
	assert.False(t, ok)
}

func TestJSONContext_InvalidBytes(t *testing.T) {
	ctx := NewJSONContext([]byte(`{"broken":`))
	assert.Equal(t, 0, ctx.Len())
	require.NoError(t, ctx.Set([]string{"ok"}, true))
	assert.Equal(t, 1, ctx.Len())
}

func TestJSONContext_SetAndDelete(t *testing.T) {
	output := NewJSONContext(nil)
	require.NoError(t, output.Set([]string{"review", "reviewer"}, "manager"))
	require.NoError(t, output.Set([]string{"review", "approved"}, true))
	require.NoError(t, output.Set([]string{"score"}, 98.5))
	assert.Equal(t, 2, output.Len())

	t.Run("中间节点不是对象时覆盖", func(t *testing.T) {
		require.NoError(t, output.Set([]string{"score", "detail"}, 1))
		v, ok := output.GetInt64("score", "detail")
		assert.True(t, ok)
		assert.Equal(t, int64(1), v)
	})
	t.Run("空路径", func(t *testing.T) {
		assert.ErrorIs(t, output.Set(nil, 1), ErrInvalidArgument)
	})
	t.Run("删除", func(t *testing.T) {
		output.Delete("review", "approved")
		_, ok := output.Get("review", "approved")
		assert.False(t, ok)
		_, ok = output.Get("review", "reviewer")
		assert.True(t, ok)

		output.Delete("score")
		_, ok = output.Get("score")
		assert.False(t, ok)

		// 不存在的路径直接忽略
		output.Delete("nothing", "here")
		output.Delete()
		assert.Equal(t, 1, output.Len())
	})
}

func TestJSONContext_Serialize(t *testing.T) {
	ctx := NewJSONContextFromMap(map[string]any{"node": "审核", "rows": int64(42)})

	raw, err := ctx.ToRawMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"node": "审核", "rows": 42}`, string(raw))
	assert.JSONEq(t, string(raw), string(ctx.ToBytesWithoutError()))
}

func TestJSONContext_Clone(t *testing.T) {
	src := NewJSONContext([]byte(`{"name": "原始", "nested": {"list": [1, {"k": "v"}]}}`))
	cloned := src.Clone()

	require.NoError(t, cloned.Set([]string{"name"}, "克隆"))
	require.NoError(t, cloned.Set([]string{"nested", "extra"}, true))
	list, _ := cloned.Get("nested", "list")
	list.([]any)[1].(map[string]any)["k"] = "changed"

	name, _ := src.GetString("name")
	assert.Equal(t, "原始", name)
	_, ok := src.Get("nested", "extra")
	assert.False(t, ok, "修改嵌套对象不影响原始值")
	origList, _ := src.Get("nested", "list")
	assert.Equal(t, "v", origList.([]any)[1].(map[string]any)["k"])
}

func TestJSONContext_Unmarshal(t *testing.T) {
	params := NewJSONContext([]byte(`{"applicant": "alice", "amount": 300, "limit": 1000}`))

	var req struct {
		Applicant string  `json:"applicant"`
		Amount    int     `json:"amount"`
		Limit     float64 `json:"limit"`
	}
	require.NoError(t, params.Unmarshal(&req))
	assert.Equal(t, "alice", req.Applicant)
	assert.Equal(t, 300, req.Amount)
	assert.Equal(t, 1000.0, req.Limit)
}

func TestMergeJSONContexts(t *testing.T) {
	defaults := NewJSONContext([]byte(`{"limit": 1000, "currency": "CNY"}`))
	input := NewJSONContext([]byte(`{"limit": 500, "amount": 300}`))

	merged := MergeJSONContexts(defaults, nil, input)
	assert.Equal(t, 3, merged.Len())
	limit, _ := merged.GetInt64("limit")
	assert.Equal(t, int64(500), limit, "后面的覆盖前面的")

	require.NoError(t, merged.Set([]string{"currency"}, "USD"))
	currency, _ := defaults.GetString("currency")
	assert.Equal(t, "CNY", currency, "合并结果是新的map")
}

func BenchmarkJSONContext_Get(b *testing.B) {
	ctx := NewJSONContext([]byte(`{"a": {"b": {"c": {"value": "test"}}}}`))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.GetString("a", "b", "c", "value")
	}
}
