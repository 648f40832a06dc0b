package storage

import (
	"context"
	"fmt"
	"time"

	"planetchat/internal/core/dispose"
	corelog "planetchat/internal/core/log"

	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// RedisStorage Redis 存储实现
type RedisStorage struct {
	client *redis.Client
	ctx    context.Context
	dispose.Dispose
}

const redisOpTimeout = 5 * time.Second

// incrWithTTLScript 原子递增 + 首次创建时设置过期时间
// 必须在服务端单条执行，两个并发请求不能都看到旧计数
var incrWithTTLScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and v == tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v`)

// NewRedisStorage 创建新的 Redis 存储
func NewRedisStorage(parentCtx context.Context, config *RedisConfig) (*RedisStorage, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(parentCtx, redisOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &RedisStorage{
		client: client,
		ctx:    parentCtx,
	}
	s.SetCtx(parentCtx, s.onClose)

	corelog.Infof("RedisStorage: connected to Redis at %s, DB: %d", config.Addr, config.DB)
	return s, nil
}

// NewRedisStorageFromClient 使用已有客户端创建存储（内嵌模式与测试用）
func NewRedisStorageFromClient(parentCtx context.Context, client *redis.Client) *RedisStorage {
	s := &RedisStorage{
		client: client,
		ctx:    parentCtx,
	}
	s.SetCtx(parentCtx, s.onClose)
	return s
}

func (r *RedisStorage) onClose() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisStorage) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, redisOpTimeout)
}

// Set 设置键值对
func (r *RedisStorage) Set(key string, value string, ttl time.Duration) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		corelog.Errorf("RedisStorage.Set: failed to set key %s: %v", key, err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get 获取值
func (r *RedisStorage) Get(key string) (string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrKeyNotFound
		}
		corelog.Errorf("RedisStorage.Get: failed to get key %s: %v", key, err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Delete 删除键
func (r *RedisStorage) Delete(key string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		corelog.Errorf("RedisStorage.Delete: failed to delete key %s: %v", key, err)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Exists 检查键是否存在
func (r *RedisStorage) Exists(key string) (bool, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// GetExpiration 获取剩余过期时间
func (r *RedisStorage) GetExpiration(key string) (time.Duration, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl of key %s: %w", key, err)
	}
	if ttl < 0 {
		// -2: 键不存在；-1: 无过期时间
		if ttl == -2*time.Millisecond {
			return 0, ErrKeyNotFound
		}
		return 0, nil
	}
	return ttl, nil
}

// IncrWithTTL 原子递增并在新键创建时设置过期时间（Lua 脚本单次往返）
func (r *RedisStorage) IncrWithTTL(key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	val, err := incrWithTTLScript.Run(ctx, r.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		corelog.Errorf("RedisStorage.IncrWithTTL: failed to incr key %s: %v", key, err)
		return 0, fmt.Errorf("failed to incr key %s: %w", key, err)
	}
	return val, nil
}

// GetCounter 读取计数器当前值
func (r *RedisStorage) GetCounter(key string) (int64, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	val, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return val, nil
}

// Keys 返回匹配模式的所有键
func (r *RedisStorage) Keys(pattern string) ([]string, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Client 返回底层客户端（Broker 共用连接配置时使用）
func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

// Close 关闭存储
func (r *RedisStorage) Close() error {
	return r.CloseWithError()
}
