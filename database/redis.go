package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient initializes a Redis client for the shared rate-limiter
// state. Unlike the database, Redis is optional: a nil client is returned
// when the URL is empty or the server is unreachable, and callers fall back
// to in-process behaviour.
func NewRedisClient(redisURL string, logger *zap.Logger) *redis.Client {
	if redisURL == "" {
		logger.Info("REDIS_URL not set, rate limiting will be process-local")
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Invalid Redis URL, rate limiting will be process-local", zap.Error(err))
		return nil
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Failed to connect to Redis, rate limiting will be process-local", zap.Error(err))
		_ = client.Close()
		return nil
	}

	logger.Info("Connected to Redis")
	return client
}
