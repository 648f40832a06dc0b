package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"planetchat/internal/broker"
	"planetchat/internal/core/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, storage.TypeEmbedded, cfg.Storage.Type)
	assert.Equal(t, broker.BrokerTypeMemory, cfg.Broker.Type)
	assert.Equal(t, cfg.NodeID, cfg.Broker.NodeID)
	assert.Equal(t, "memory", cfg.Database.Type)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  shutdown_timeout: 5s
node_id: node-42
storage:
  type: redis
  redis:
    addr: 127.0.0.1:6379
auth:
  secret: file-secret
rate_limit:
  override_cache_ttl: 10s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "node-42", cfg.NodeID)
	assert.Equal(t, "node-42", cfg.Broker.NodeID)
	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	require.NotNil(t, cfg.Storage.Redis)
	assert.Equal(t, "127.0.0.1:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "file-secret", cfg.Auth.Secret)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.OverrideCacheTTL)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PLANETCHAT_ADDR", ":7070")
	t.Setenv("PLANETCHAT_AUTH_SECRET", "env-secret")
	t.Setenv("PLANETCHAT_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)
	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, broker.BrokerTypeRedis, cfg.Broker.Type)
	assert.Equal(t, "redis:6379", cfg.Broker.Redis.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}
