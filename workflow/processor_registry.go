package workflow

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultProcessorVersion = "default"

var processorNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

type processorEntry struct {
	mu             sync.RWMutex
	versions       map[string]Processor
	defaultVersion string
	registeredAt   time.Time
}

// ProcessorRegistry 处理器注册表, 节点的 processor_type 在执行时从这里解析
// processor_type 支持 name 和 name@version 两种写法
type ProcessorRegistry struct {
	processors sync.Map // name -> *processorEntry
}

type ProcessorRegistryStats struct {
	Names    int `json:"names"`
	Versions int `json:"versions"`
}

type ProcessorInfo struct {
	Name           string    `json:"name"`
	Versions       []string  `json:"versions"`
	DefaultVersion string    `json:"default_version"`
	RegisteredAt   time.Time `json:"registered_at"`
}

func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{}
}

func normalizeProcessorName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProcessorRegistry) Register(name string, processor Processor) error {
	return r.RegisterVersion(name, DefaultProcessorVersion, processor, false)
}

/**
 * @description: 注册指定版本的处理器
 *               第一个注册的版本作为默认版本, 显式注册 default 版本会成为默认版本
 * @param name 处理器名称, 大小写不敏感
 * @param version 版本
 * @param processor 处理器
 * @param allowOverwrite 是否允许覆盖已经存在的版本
 * @return error
 */
func (r *ProcessorRegistry) RegisterVersion(name, version string, processor Processor, allowOverwrite bool) error {
	name = normalizeProcessorName(name)
	version = strings.TrimSpace(version)
	if processor == nil {
		return errors.WithMessagef(ErrInvalidArgument, "processor is nil, name: %s", name)
	}
	if !processorNamePattern.MatchString(name) {
		return errors.WithMessagef(ErrInvalidArgument, "invalid processor name: %q", name)
	}
	if !processorNamePattern.MatchString(version) {
		return errors.WithMessagef(ErrInvalidArgument, "invalid processor version: %q, name: %s", version, name)
	}
	entry := r.lockEntry(name)
	defer entry.mu.Unlock()
	if _, ok := entry.versions[version]; ok && !allowOverwrite {
		return errors.WithMessagef(ErrProcessorAlreadyRegistered, "name: %s, version: %s", name, version)
	}
	entry.versions[version] = processor
	if entry.defaultVersion == "" || version == DefaultProcessorVersion {
		entry.defaultVersion = version
	}
	return nil
}

// lockEntry 返回加锁之后仍然在表中的条目, 加锁期间被 Unregister 删除时重新创建
func (r *ProcessorRegistry) lockEntry(name string) *processorEntry {
	for {
		raw, _ := r.processors.LoadOrStore(name, &processorEntry{
			versions:     make(map[string]Processor),
			registeredAt: time.Now(),
		})
		entry := raw.(*processorEntry)
		entry.mu.Lock()
		if current, ok := r.processors.Load(name); ok && current == entry {
			return entry
		}
		entry.mu.Unlock()
	}
}

// Find 按 name 或者 name@version 查找
func (r *ProcessorRegistry) Find(ref string) (Processor, error) {
	name, version, _ := strings.Cut(ref, "@")
	return r.FindVersion(name, version)
}

// FindVersion version为空时返回默认版本
func (r *ProcessorRegistry) FindVersion(name, version string) (Processor, error) {
	name = normalizeProcessorName(name)
	raw, ok := r.processors.Load(name)
	if !ok {
		return nil, errors.WithMessagef(ErrProcessorNotFound, "name: %s", name)
	}
	entry := raw.(*processorEntry)
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if version == "" {
		version = entry.defaultVersion
	}
	processor, ok := entry.versions[version]
	if !ok {
		return nil, errors.WithMessagef(ErrProcessorNotFound, "name: %s, version: %s", name, version)
	}
	return processor, nil
}

func (r *ProcessorRegistry) SetDefaultVersion(name, version string) error {
	name = normalizeProcessorName(name)
	raw, ok := r.processors.Load(name)
	if !ok {
		return errors.WithMessagef(ErrProcessorNotFound, "name: %s", name)
	}
	entry := raw.(*processorEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, ok := entry.versions[version]; !ok {
		return errors.WithMessagef(ErrProcessorNotFound, "name: %s, version: %s", name, version)
	}
	entry.defaultVersion = version
	return nil
}

// Unregister 删除处理器的所有版本, 返回是否存在
// 在条目锁内删除, 和正在进行的注册串行
func (r *ProcessorRegistry) Unregister(name string) bool {
	name = normalizeProcessorName(name)
	raw, ok := r.processors.Load(name)
	if !ok {
		return false
	}
	entry := raw.(*processorEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.processors.CompareAndDelete(name, entry)
}

func (r *ProcessorRegistry) List() []*ProcessorInfo {
	ret := make([]*ProcessorInfo, 0)
	r.processors.Range(func(key, value any) bool {
		entry := value.(*processorEntry)
		entry.mu.RLock()
		versions := make([]string, 0, len(entry.versions))
		for v := range entry.versions {
			versions = append(versions, v)
		}
		slices.Sort(versions)
		ret = append(ret, &ProcessorInfo{
			Name:           key.(string),
			Versions:       versions,
			DefaultVersion: entry.defaultVersion,
			RegisteredAt:   entry.registeredAt,
		})
		entry.mu.RUnlock()
		return true
	})
	slices.SortFunc(ret, func(a, b *ProcessorInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return ret
}

func (r *ProcessorRegistry) Stats() ProcessorRegistryStats {
	stats := ProcessorRegistryStats{}
	for _, info := range r.List() {
		stats.Names++
		stats.Versions += len(info.Versions)
	}
	return stats
}
