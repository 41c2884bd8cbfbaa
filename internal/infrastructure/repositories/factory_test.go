package repositories

import (
	"testing"

	"vidrelay/internal/core/domain"
	"vidrelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRepositoryFactory_WithoutRedis(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.Nil(t, f.EventBus("node-a"))

	registry := f.CreateConnectionRegistry()
	assert.Equal(t, 0, registry.Count(domain.RoleConsumer))
}

func TestRepositoryFactory_UnreachableRedisFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.Nil(t, f.EventBus("node-a"))
}
