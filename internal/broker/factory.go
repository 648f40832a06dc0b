package broker

import (
	"context"
	"fmt"
)

// BrokerType 消息代理类型
type BrokerType string

const (
	BrokerTypeMemory BrokerType = "memory"
	BrokerTypeRedis  BrokerType = "redis"
)

// Config 消息代理配置
type Config struct {
	Type   BrokerType         `json:"type" yaml:"type"`
	NodeID string             `json:"node_id" yaml:"node_id"`
	Redis  *RedisBrokerConfig `json:"redis" yaml:"redis"`
}

// NewMessageBroker 创建消息代理
func NewMessageBroker(ctx context.Context, config *Config) (MessageBroker, error) {
	if config == nil {
		return nil, fmt.Errorf("broker config is required")
	}

	switch config.Type {
	case BrokerTypeMemory:
		return NewMemoryBroker(ctx, config.NodeID), nil

	case BrokerTypeRedis:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis config is required for redis broker")
		}
		return NewRedisBroker(ctx, config.Redis, config.NodeID)

	default:
		return nil, fmt.Errorf("unsupported broker type: %s", config.Type)
	}
}

// DefaultConfig 默认配置（单节点内存模式）
func DefaultConfig(nodeID string) *Config {
	return &Config{
		Type:   BrokerTypeMemory,
		NodeID: nodeID,
	}
}
