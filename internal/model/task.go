package model

import (
	"encoding/json"
	"time"
)

// TaskState 刷新任务状态 Pending -> Running -> 终态
type TaskState string

// Task states.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	default:
		return false
	}
}

// RefreshTask 一次续期尝试
type RefreshTask struct {
	ID            string     `json:"id"`
	CycleID       string     `json:"cycle_id,omitempty"`
	AccountID     string     `json:"account_id"`
	Attempt       int        `json:"attempt"`
	State         TaskState  `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	FailureReason string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"-"`
}

// HistoryJSON renders the task the way task_history.data stores it.
func (t *RefreshTask) HistoryJSON() ([]byte, error) {
	type entry struct {
		*RefreshTask
		Kind       string   `json:"kind"`
		AccountIDs []string `json:"account_ids"`
		CreatedAt  float64  `json:"created_at"`
	}
	return json.Marshal(entry{
		RefreshTask: t,
		Kind:        "refresh",
		AccountIDs:  []string{t.AccountID},
		CreatedAt:   float64(t.CreatedAt.UnixNano()) / 1e9,
	})
}
