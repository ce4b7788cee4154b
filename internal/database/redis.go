package database

import (
	"context"
	"fmt"

	"chat-relay/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis instance that backs the legacy mirror
// and the device-token cache.
func NewRedisClient(ctx context.Context, url string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.DB = db

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis successfully", "db", db)
	return client, nil
}
