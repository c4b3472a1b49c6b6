package workflow

import (
	"time"

	"dario.cat/mergo"
	"github.com/pkg/errors"
)

// Unlimited 用于 DefaultTaskTimeout 和 IdempotentCacheTTL, 表示不限制
const Unlimited time.Duration = -1

// Config 引擎配置, 零值字段使用 DefaultConfig 中的值
type Config struct {
	// MaxParallelism 同一批次内最多同时执行的节点数, 0 表示不限制
	MaxParallelism int `json:"max_parallelism" validate:"gte=0"`
	// DefaultTaskTimeout 节点和处理器都没有指定超时时的单次执行超时, 负数表示不限制
	DefaultTaskTimeout time.Duration `json:"default_task_timeout"`
	// ListenerTimeout 单个监听器回调的最长等待时间, 超过之后不再等待
	ListenerTimeout         time.Duration `json:"listener_timeout" validate:"gt=0"`
	IdempotentCacheCapacity int           `json:"idempotent_cache_capacity" validate:"gt=0"`
	// IdempotentCacheTTL 负数表示永不过期
	IdempotentCacheTTL time.Duration `json:"idempotent_cache_ttl"`
	// RunLockTTL RunWorkflow 持有实例锁的最长时间
	RunLockTTL time.Duration `json:"run_lock_ttl" validate:"gt=0"`
	// ShutdownTimeout Shutdown 没有传入deadline时等待执行中批次的时间
	ShutdownTimeout time.Duration `json:"shutdown_timeout" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxParallelism:          0,
		DefaultTaskTimeout:      5 * time.Minute,
		ListenerTimeout:         5 * time.Second,
		IdempotentCacheCapacity: 10000,
		IdempotentCacheTTL:      time.Hour,
		RunLockTTL:              30 * time.Minute,
		ShutdownTimeout:         5 * time.Second,
	}
}

// normalizeConfig 合并默认值并校验
func normalizeConfig(cfg Config) (Config, error) {
	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return cfg, errors.WithMessagef(ErrWorkflowParamInvalid, "merge default config failed, err: %v", err)
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return cfg, errors.WithMessagef(ErrWorkflowParamInvalid, "config invalid, err: %v", err)
	}
	return cfg, nil
}

// positiveOrZero 负数统一转成0, 内部组件用0表示不限制
func positiveOrZero(d time.Duration) time.Duration {
	return max(d, 0)
}
