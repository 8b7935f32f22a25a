package redis

import (
	"context"
	"fmt"
	"time"

	"escrowchat/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient 创建 Redis 客户端并 ping 一次，不可达时返回错误
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return rdb, nil
}
