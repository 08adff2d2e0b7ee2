// Package biz contains the refresh orchestration engine: configuration merge,
// expiration detection and the per-account task lifecycle.
package biz

import (
	"RefreshWorker/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewConfigResolver,
	NewLockTable,
	NewOrchestrator,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AccountRepo), new(*data.AccountRepo)),
	wire.Bind(new(FailureTracker), new(*data.FailureTracker)),
)
