package data

import (
	"context"
	"time"

	"RefreshWorker/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the optional Redis client.
// Missing configuration or a failed ping returns a nil client (graceful degradation):
// Redis only backs the failure counters and must never block startup.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Info("Redis address is empty, skipping Redis initialization")
		return nil, func() {}, nil
	}
	rc := c.Redis

	network := rc.Network
	if network == "" {
		network = "tcp"
	}
	rdb := redis.NewClient(&redis.Options{
		Network:         network,
		Addr:            rc.Addr,
		Password:        rc.Password,
		DB:              rc.DB,
		PoolSize:        10,
		MinIdleConns:    1,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnw("msg", "Failed to connect to Redis, continuing without it", "addr", rc.Addr, "error", err)
		_ = rdb.Close()
		return nil, func() {}, nil
	}

	helper.Infow("msg", "Successfully connected to Redis", "addr", rc.Addr)

	cleanup := func() {
		helper.Info("Closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorw("msg", "Failed to close Redis client", "error", err)
		}
	}
	return rdb, cleanup, nil
}
