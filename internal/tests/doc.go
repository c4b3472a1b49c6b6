// Package tests taskflow 的集成测试, 只通过公开API使用 workflow 包。
//
// 测试使用 sqlite 内存库作为存储, 覆盖:
//   - 条件分支和并行批次的端到端执行
//   - 实例持久化之后由新的引擎继续推进
//   - 失败重启, 暂停恢复, 取消
//   - otel 指标和链路
//
// 需要 redis 的用例设置 REDIS_ADDR 之后才会执行:
//
//	REDIS_ADDR=127.0.0.1:6379 go test ./internal/tests/...
package tests
