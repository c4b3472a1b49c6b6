package workflow

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConditionEvaluator 条件求值, 条件字符串对引擎是不透明的
type ConditionEvaluator interface {
	Evaluate(condition string, vars map[string]any) (bool, error)
}

type ConditionEvaluatorFunc func(condition string, vars map[string]any) (bool, error)

func (f ConditionEvaluatorFunc) Evaluate(condition string, vars map[string]any) (bool, error) {
	return f(condition, vars)
}

// PathConditionEvaluator 默认的条件求值, 不是表达式语言, 只支持:
//   - true / false
//   - path, !path: 按 . 分割的路径读取实例上下文, 值必须是bool, 路径不存在为false
//   - path == literal, path != literal: 按字符串比较
type PathConditionEvaluator struct{}

func NewPathConditionEvaluator() ConditionEvaluator {
	return PathConditionEvaluator{}
}

func (PathConditionEvaluator) Evaluate(condition string, vars map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	switch condition {
	case "":
		return true, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	jsonCtx := NewJSONContextFromMap(vars)

	for _, op := range []string{"!=", "=="} {
		left, right, ok := strings.Cut(condition, op)
		if !ok {
			continue
		}
		path := strings.TrimSpace(left)
		literal := strings.Trim(strings.TrimSpace(right), `"'`)
		val, exists := jsonCtx.Get(splitConditionPath(path)...)
		equal := exists && fmt.Sprint(val) == literal
		if op == "==" {
			return equal, nil
		}
		return !equal, nil
	}

	negate := false
	if strings.HasPrefix(condition, "!") {
		negate = true
		condition = strings.TrimSpace(condition[1:])
	}
	val, exists := jsonCtx.Get(splitConditionPath(condition)...)
	if !exists {
		return negate, nil
	}
	b, ok := val.(bool)
	if !ok {
		return false, errors.WithMessagef(ErrConditionEvaluate, "condition: %s, value is not bool: %v", condition, val)
	}
	return b != negate, nil
}

func splitConditionPath(path string) []string {
	return strings.Split(path, ".")
}
