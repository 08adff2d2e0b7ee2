package biz

import (
	"context"

	"RefreshWorker/internal/model"
)

// Domain types live in internal/model so the data layer can build them.
type (
	// Account 托管凭据
	Account = model.Account
	// Status 账户状态
	Status = model.Status
	// PersistedConfig 运营配置文档
	PersistedConfig = model.PersistedConfig
	// RefreshTask 一次续期尝试
	RefreshTask = model.RefreshTask
	// TaskState 任务状态
	TaskState = model.TaskState
)

// Account statuses.
const (
	StatusActive     = model.StatusActive
	StatusDisabled   = model.StatusDisabled
	StatusRefreshing = model.StatusRefreshing
	StatusFailed     = model.StatusFailed
)

// Task states.
const (
	TaskPending   = model.TaskPending
	TaskRunning   = model.TaskRunning
	TaskSucceeded = model.TaskSucceeded
	TaskFailed    = model.TaskFailed
	TaskTimedOut  = model.TaskTimedOut
	TaskCancelled = model.TaskCancelled
)

// AccountRepo defines the account repository interface.
// Implementation is in data layer (data.AccountRepo).
type AccountRepo interface {
	LoadAccounts(ctx context.Context) ([]*Account, error)
	LoadConfig(ctx context.Context) (*PersistedConfig, error)
	SaveAccount(ctx context.Context, account *Account) error
	SaveTaskHistory(ctx context.Context, task *RefreshTask) error
}

// FailureTracker counts consecutive failures per account (data.FailureTracker).
type FailureTracker interface {
	Failures(ctx context.Context, accountID string) (int, error)
	RecordFailure(ctx context.Context, accountID string) (int, error)
	Reset(ctx context.Context, accountID string) error
}
