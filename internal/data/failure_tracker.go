package data

import (
	"context"
	"errors"
	"time"

	"RefreshWorker/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// FailureKeyPrefix 连续失败计数 key: refresh_failure:{account_id}
const FailureKeyPrefix = "refresh_failure:"

// FailureTracker counts consecutive refresh failures per account in Redis.
// A tracker without Redis reports zero failures and records nothing.
type FailureTracker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Helper
}

// NewFailureTracker creates a FailureTracker.
func NewFailureTracker(d *Data, c *conf.Worker, logger log.Logger) *FailureTracker {
	ttl := 24 * time.Hour
	if c != nil && c.FailureTTL > 0 {
		ttl = c.FailureTTL
	}
	return &FailureTracker{
		rdb:    d.rdb,
		ttl:    ttl,
		logger: log.NewHelper(log.With(logger, "module", "data/failure")),
	}
}

// Enabled reports whether counts are persisted.
func (f *FailureTracker) Enabled() bool { return f.rdb != nil }

// Failures returns the current consecutive failure count.
func (f *FailureTracker) Failures(ctx context.Context, accountID string) (int, error) {
	if f.rdb == nil {
		return 0, nil
	}
	n, err := f.rdb.Get(ctx, FailureKeyPrefix+accountID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		f.logger.Warnw("msg", "Failed to read failure counter", "account_id", accountID, "error", err)
		return 0, err
	}
	return n, nil
}

// RecordFailure increments the counter and refreshes its TTL.
func (f *FailureTracker) RecordFailure(ctx context.Context, accountID string) (int, error) {
	if f.rdb == nil {
		return 0, nil
	}
	key := FailureKeyPrefix + accountID
	pipe := f.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, f.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Warnw("msg", "Failed to record refresh failure", "account_id", accountID, "error", err)
		return 0, err
	}
	return int(incr.Val()), nil
}

// Reset clears the counter after a successful refresh.
func (f *FailureTracker) Reset(ctx context.Context, accountID string) error {
	if f.rdb == nil {
		return nil
	}
	if err := f.rdb.Del(ctx, FailureKeyPrefix+accountID).Err(); err != nil {
		f.logger.Warnw("msg", "Failed to reset failure counter", "account_id", accountID, "error", err)
		return err
	}
	return nil
}
