// 内嵌 Redis (miniredis) 实现
// 用于单机模式与测试，无需外部 Redis 依赖
package storage

import (
	"context"
	"fmt"
	"time"

	corelog "planetchat/internal/core/log"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// EmbeddedRedis 内嵌 Redis 服务（基于 miniredis）
type EmbeddedRedis struct {
	server  *miniredis.Miniredis
	storage *RedisStorage
}

// NewEmbeddedRedis 启动内嵌 Redis 并返回其存储封装
func NewEmbeddedRedis(parentCtx context.Context) (*EmbeddedRedis, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis failed: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})

	corelog.Infof("EmbeddedRedis: started at %s", server.Addr())
	return &EmbeddedRedis{
		server:  server,
		storage: NewRedisStorageFromClient(parentCtx, client),
	}, nil
}

// Storage 返回共享存储接口实现
func (e *EmbeddedRedis) Storage() *RedisStorage {
	return e.storage
}

// Addr 返回服务地址
func (e *EmbeddedRedis) Addr() string {
	return e.server.Addr()
}

// FastForward 快进时间（用于测试 TTL）
func (e *EmbeddedRedis) FastForward(d time.Duration) {
	e.server.FastForward(d)
}

// FlushAll 清空所有数据
func (e *EmbeddedRedis) FlushAll() {
	e.server.FlushAll()
}

// Close 关闭内嵌服务
func (e *EmbeddedRedis) Close() error {
	if err := e.storage.Close(); err != nil {
		return err
	}
	e.server.Close()
	return nil
}
