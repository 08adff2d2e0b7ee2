package log

import (
	"context"
	"time"
)

// contextKey 是用于存储 TaskContext 的私有 key 类型
type contextKey string

const taskContextKey contextKey = "refresh_worker_task_context"

// TaskContext 刷新任务的追踪信息，随 context 传给存储层、邮件客户端和续期脚本
type TaskContext struct {
	CycleID   string    // 所属轮次
	TaskID    string    // 任务 ID (uuid)
	AccountID string    // 账户 ID
	Attempt   int       // 连续第几次尝试
	StartTime time.Time // 任务开始时间
}

// WithCycle 标记一轮刷新
func WithCycle(ctx context.Context, cycleID string) context.Context {
	tc := &TaskContext{CycleID: cycleID, StartTime: time.Now()}
	if parent, ok := ctx.Value(taskContextKey).(*TaskContext); ok {
		tc.TaskID, tc.AccountID, tc.Attempt = parent.TaskID, parent.AccountID, parent.Attempt
	}
	return context.WithValue(ctx, taskContextKey, tc)
}

// WithTask 在轮次 context 上附加任务信息
func WithTask(ctx context.Context, taskID, accountID string, attempt int) context.Context {
	tc := &TaskContext{
		TaskID:    taskID,
		AccountID: accountID,
		Attempt:   attempt,
		StartTime: time.Now(),
	}
	if parent, ok := ctx.Value(taskContextKey).(*TaskContext); ok {
		tc.CycleID = parent.CycleID
	}
	return context.WithValue(ctx, taskContextKey, tc)
}

// GetTaskContext 从 Context 中提取 TaskContext，不存在时返回空值
func GetTaskContext(ctx context.Context) *TaskContext {
	if ctx == nil {
		return &TaskContext{}
	}
	if tc, ok := ctx.Value(taskContextKey).(*TaskContext); ok {
		return tc
	}
	return &TaskContext{}
}

// ContextFields returns the non-empty tracing fields as key/value pairs.
func ContextFields(ctx context.Context) []interface{} {
	tc := GetTaskContext(ctx)
	kvs := make([]interface{}, 0, 8)
	if tc.CycleID != "" {
		kvs = append(kvs, "cycle_id", tc.CycleID)
	}
	if tc.TaskID != "" {
		kvs = append(kvs, "task_id", tc.TaskID)
	}
	if tc.AccountID != "" {
		kvs = append(kvs, "account_id", tc.AccountID)
	}
	if tc.Attempt > 0 {
		kvs = append(kvs, "attempt", tc.Attempt)
	}
	return kvs
}

// GetElapsedTime 获取任务已执行时间（毫秒）
func GetElapsedTime(ctx context.Context) int64 {
	tc := GetTaskContext(ctx)
	if tc.StartTime.IsZero() {
		return 0
	}
	return time.Since(tc.StartTime).Milliseconds()
}
