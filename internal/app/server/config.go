package server

import (
	"os"
	"time"

	"planetchat/internal/auth"
	"planetchat/internal/broker"
	corelog "planetchat/internal/core/log"
	"planetchat/internal/core/storage"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	Server    HTTPConfig      `yaml:"server"`
	NodeID    string          `yaml:"node_id"`
	Log       corelog.Config  `yaml:"log"`
	Storage   storage.Config  `yaml:"storage"`
	Broker    broker.Config   `yaml:"broker"`
	Auth      auth.Config     `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// HTTPConfig HTTP/websocket 监听配置
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig 消息持久层配置
type DatabaseConfig struct {
	Type string `yaml:"type"` // postgres / memory
	DSN  string `yaml:"dsn"`
}

// RateLimitConfig 限流的 yaml 可调部分
type RateLimitConfig struct {
	OverrideCacheTTL  time.Duration `yaml:"override_cache_ttl"`
	OverrideCacheSize int           `yaml:"override_cache_size"`
	OverrideTTL       time.Duration `yaml:"override_ttl"`
	StatsTTL          time.Duration `yaml:"stats_ttl"`
}

// DefaultConfig 单机开发模式默认值：内嵌存储 + 内存持久层，零外部依赖
func DefaultConfig() *Config {
	return &Config{
		Server: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		NodeID: uuid.NewString(),
		Log: corelog.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Storage:  storage.Config{Type: storage.TypeEmbedded},
		Broker:   broker.Config{Type: broker.BrokerTypeMemory},
		Auth:     *auth.DefaultConfig(),
		Database: DatabaseConfig{Type: "memory"},
	}
}

// LoadConfig 读取 yaml 配置文件并叠加环境变量
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	cfg.Broker.NodeID = cfg.NodeID
	return cfg, nil
}
