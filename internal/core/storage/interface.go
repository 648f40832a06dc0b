package storage

import (
	"errors"
	"time"
)

// 存储相关错误
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrClosed         = errors.New("storage is closed")
	ErrInvalidCounter = errors.New("value is not a counter")
)

// ============================================================================
// 核心接口（所有存储必须实现）
// ============================================================================

// Storage 核心存储接口
// 值统一为字符串：调用方传入 string，Get 返回 string，序列化由调用方负责
type Storage interface {
	Set(key string, value string, ttl time.Duration) error
	Get(key string) (string, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	// GetExpiration 返回剩余过期时间；无过期时间返回 0
	GetExpiration(key string) (time.Duration, error)

	Close() error
}

// ============================================================================
// 扩展接口（可选实现）
// ============================================================================

// CounterStore 计数器操作扩展接口
type CounterStore interface {
	// IncrWithTTL 原子递增计数器；当本次递增创建新键时同时设置过期时间
	// 递增与设置 TTL 必须是单次原子往返，避免两个并发请求都读到"未超限"
	IncrWithTTL(key string, delta int64, ttl time.Duration) (int64, error)

	// GetCounter 读取计数器当前值；键不存在返回 0
	GetCounter(key string) (int64, error)
}

// ScanStore 键扫描扩展接口
type ScanStore interface {
	// Keys 返回匹配 glob 模式的所有键
	Keys(pattern string) ([]string, error)
}

// KVStore 完整共享存储接口（限流器等组件依赖此组合）
type KVStore interface {
	Storage
	CounterStore
	ScanStore
}
