package repositories

import (
	"vidrelay/internal/core/ports"
	"vidrelay/internal/infrastructure/distributed"
	"vidrelay/internal/infrastructure/repositories/memory"
	redisrepo "vidrelay/internal/infrastructure/repositories/redis"
	"vidrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the connection registry and, when Redis is
// reachable, the shared lifecycle event bus.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	channel     string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory. An unreachable
// Redis is logged and the relay runs standalone.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		channel:  cfg.Redis.Channel,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, running without event bus",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	return factory
}

// CreateConnectionRegistry returns the process-local registry. Live
// connections hold transport state and cannot be shared across nodes.
func (f *RepositoryFactory) CreateConnectionRegistry() ports.ConnectionRegistry {
	return memory.NewMemoryConnectionRepository()
}

// EventBus returns nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) EventBus(nodeID string) *distributed.EventBus {
	if !f.useRedis || f.redisClient == nil {
		return nil
	}
	return distributed.NewEventBus(f.redisClient, nodeID, f.channel, f.logger)
}

// RedisClient returns nil when Redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}
