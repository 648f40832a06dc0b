package server

import (
	"os"

	"planetchat/internal/broker"
	"planetchat/internal/core/storage"
)

// applyEnv 环境变量覆盖，部署时不改文件就能切换关键项
func applyEnv(cfg *Config) {
	if v := os.Getenv("PLANETCHAT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PLANETCHAT_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("PLANETCHAT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PLANETCHAT_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("PLANETCHAT_DB_DSN"); v != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PLANETCHAT_REDIS_ADDR"); v != "" {
		cfg.Storage.Type = storage.TypeRedis
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &storage.RedisConfig{}
		}
		cfg.Storage.Redis.Addr = v

		cfg.Broker.Type = broker.BrokerTypeRedis
		if cfg.Broker.Redis == nil {
			cfg.Broker.Redis = &broker.RedisBrokerConfig{}
		}
		cfg.Broker.Redis.Addr = v
	}
	if v := os.Getenv("PLANETCHAT_REDIS_PASSWORD"); v != "" {
		if cfg.Storage.Redis != nil {
			cfg.Storage.Redis.Password = v
		}
		if cfg.Broker.Redis != nil {
			cfg.Broker.Redis.Password = v
		}
	}
}
