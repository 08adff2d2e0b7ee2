package log

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper，提供便捷的日志方法
// 通过在日志调用时自动添加 "type" 字段，触发 EmojiConsoleEncoder 的表情符号映射
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func typed(logType, msg string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Startup 记录启动相关日志（🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(typed("startup", msg, kvs)...)
}

// Shutdown 记录停止相关日志（🛑）
func (h *LogHelper) Shutdown(msg string, kvs ...interface{}) {
	h.Infow(typed("shutdown", msg, kvs)...)
}

// Scheduler 记录调度循环日志（🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(typed("scheduler", msg, kvs)...)
}

// Config 记录配置相关日志（⚙️）
func (h *LogHelper) Config(msg string, kvs ...interface{}) {
	h.Infow(typed("config", msg, kvs)...)
}

// ConfigWarn 配置回退或被拒绝（⚙️, WARN）
func (h *LogHelper) ConfigWarn(msg string, kvs ...interface{}) {
	h.Warnw(typed("config", msg, kvs)...)
}

// Storage 记录数据库操作日志（💾, DEBUG）
func (h *LogHelper) Storage(msg string, kvs ...interface{}) {
	h.Debugw(typed("storage", msg, kvs)...)
}

// Redis 记录 Redis 操作日志（📦, DEBUG）
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(typed("redis", msg, kvs)...)
}

// Mail 记录邮箱验证码相关日志（📬）
func (h *LogHelper) Mail(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed("mail", msg, append(ContextFields(ctx), kvs...))...)
}

// Reaper 记录子进程回收日志（🧹）
func (h *LogHelper) Reaper(msg string, kvs ...interface{}) {
	h.Infow(typed("reaper", msg, kvs)...)
}

// Health 记录健康检查日志（💓, DEBUG）
func (h *LogHelper) Health(msg string, kvs ...interface{}) {
	h.Debugw(typed("health", msg, kvs)...)
}

// Refresh 记录任务进度，自动带上 cycle_id / task_id / account_id
func (h *LogHelper) Refresh(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed("refresh", msg, append(ContextFields(ctx), kvs...))...)
}

// Outcome 记录任务终态，失败类结果使用 WARN
func (h *LogHelper) Outcome(ctx context.Context, state string, duration time.Duration, reason string, kvs ...interface{}) {
	msg := fmt.Sprintf("Refresh task %s in %s", state, duration.Round(time.Millisecond))
	all := append(ContextFields(ctx), "state", state, "duration_ms", duration.Milliseconds())
	if reason != "" {
		all = append(all, "reason", reason)
	}
	all = typed("refresh", msg, append(all, kvs...))
	if state == "succeeded" {
		h.Infow(all...)
		return
	}
	h.Warnw(all...)
}

// Cycle 记录一轮刷新的汇总（🔄）
func (h *LogHelper) Cycle(cycleID string, candidates, dispatched, skipped, succeeded, failed int, duration time.Duration) {
	msg := fmt.Sprintf("Refresh cycle finished - candidates: %d, dispatched: %d, skipped: %d, succeeded: %d, failed: %d (%s)",
		candidates, dispatched, skipped, succeeded, failed, duration.Round(time.Millisecond))
	h.Infow(
		"msg", msg,
		"cycle_id", cycleID,
		"candidates", candidates,
		"dispatched", dispatched,
		"skipped", skipped,
		"succeeded", succeeded,
		"failed", failed,
		"duration_ms", duration.Milliseconds(),
		"type", "cycle",
	)
}
