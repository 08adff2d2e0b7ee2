// Package data provides data access layer implementations.
// It handles database connections and data persistence.
package data

import (
	"context"
	"time"

	"RefreshWorker/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewDB,
	NewRedisClient,
	NewAccountRepo,
	NewFailureTracker,
)

// Data contains all data layer dependencies.
type Data struct {
	db     *gorm.DB
	driver string
	// rdb 可为 nil，失败计数降级为不记录
	rdb *redis.Client
}

// NewData wires the database and the optional Redis client together and
// creates the shared tables when auto_migrate is on.
func NewData(c *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, failure counters will be unavailable")
	}

	d := &Data{db: db, driver: c.Database.Driver, rdb: rdb}

	if c.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := Migrate(ctx, db, d.driver); err != nil {
			helper.Errorw("msg", "Schema migration failed", "driver", d.driver, "error", err)
			return nil, nil, err
		}
		helper.Infow("msg", "Database tables initialized", "driver", d.driver)
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}
	return d, cleanup, nil
}

// Driver returns the configured dialect.
func (d *Data) Driver() string { return d.driver }
