package storage

import (
	"context"
	"fmt"
)

// Type 存储类型
type Type string

const (
	TypeMemory   Type = "memory"
	TypeRedis    Type = "redis"
	TypeEmbedded Type = "embedded"
)

// Config 存储配置
type Config struct {
	Type  Type         `json:"type" yaml:"type"`
	Redis *RedisConfig `json:"redis" yaml:"redis"`
}

// NewKVStore 按配置创建共享存储
// embedded 模式额外返回内嵌服务句柄，调用方负责关闭
func NewKVStore(ctx context.Context, config *Config) (KVStore, *EmbeddedRedis, error) {
	if config == nil {
		return nil, nil, fmt.Errorf("storage config is required")
	}

	switch config.Type {
	case TypeMemory:
		return NewMemoryStorage(ctx), nil, nil

	case TypeRedis:
		if config.Redis == nil {
			return nil, nil, fmt.Errorf("redis config is required for redis storage")
		}
		s, err := NewRedisStorage(ctx, config.Redis)
		return s, nil, err

	case TypeEmbedded:
		embedded, err := NewEmbeddedRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		return embedded.Storage(), embedded, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}
