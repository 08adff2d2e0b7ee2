package biz

import (
	"sort"
	"time"
)

// CycleReport aggregates the tasks of one RunCycle call.
type CycleReport struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Candidates int
	// Skipped 锁被占用而跳过的账户
	Skipped []string
	// Ineligible 邮箱凭据不全而未派发的账户
	Ineligible []string
	Tasks      []*RefreshTask
}

// Dispatched returns the number of tasks created.
func (r *CycleReport) Dispatched() int { return len(r.Tasks) }

// Count returns the number of tasks that ended in state.
func (r *CycleReport) Count(state TaskState) int {
	n := 0
	for _, t := range r.Tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// Task returns the task for accountID, nil when none was dispatched.
func (r *CycleReport) Task(accountID string) *RefreshTask {
	for _, t := range r.Tasks {
		if t.AccountID == accountID {
			return t
		}
	}
	return nil
}

// Duration is the wall time of the cycle.
func (r *CycleReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Outcome 账户最近一次任务结果，供健康检查展示
type Outcome struct {
	AccountID  string        `json:"account_id"`
	TaskID     string        `json:"task_id"`
	State      TaskState     `json:"state"`
	Reason     string        `json:"reason,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"-"`
}

func sortOutcomes(out []Outcome) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
}
