package server

import (
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"RefreshWorker/internal/biz"
	"RefreshWorker/internal/scheduler"
)

// LivenessSource reports the poll loop state.
type LivenessSource interface {
	Liveness() scheduler.Liveness
}

// OutcomeSource reports recent task failures.
type OutcomeSource interface {
	RecentFailures() []biz.Outcome
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status         string                  `json:"status"`
	Reason         string                  `json:"reason,omitempty"`
	Cycles         int64                   `json:"cycles"`
	LastHeartbeat  *time.Time              `json:"last_heartbeat,omitempty"`
	HeartbeatAge   float64                 `json:"heartbeat_age_seconds"`
	StaleAfter     float64                 `json:"stale_after_seconds,omitempty"`
	RefreshEnabled bool                    `json:"refresh_enabled"`
	LastError      string                  `json:"last_error,omitempty"`
	LastCycle      *scheduler.CycleSummary `json:"last_cycle,omitempty"`
	RecentFailures []biz.Outcome           `json:"recent_failures,omitempty"`
}

// HealthHandler serves /health: 200 while the loop beats, 503 otherwise.
type HealthHandler struct {
	live     LivenessSource
	outcomes OutcomeSource
	factor   int
	now      func() time.Time
}

// NewHealthHandler creates the handler; factor is N in "stale after N intervals".
func NewHealthHandler(live LivenessSource, outcomes OutcomeSource, factor int) *HealthHandler {
	if factor <= 0 {
		factor = 3
	}
	return &HealthHandler{live: live, outcomes: outcomes, factor: factor, now: time.Now}
}

// Check evaluates liveness. The loop is stale once the last heartbeat is
// older than max(factor*interval, interval+task_timeout).
func (h *HealthHandler) Check() HealthReport {
	l := h.live.Liveness()
	report := HealthReport{
		Status:         "ok",
		Cycles:         l.Cycles,
		RefreshEnabled: l.Enabled,
		LastError:      l.LastError,
		LastCycle:      l.LastCycle,
	}
	if h.outcomes != nil {
		report.RecentFailures = h.outcomes.RecentFailures()
	}

	if l.Cycles == 0 || l.LastHeartbeat.IsZero() {
		report.Status, report.Reason = "degraded", "no poll cycle completed yet"
		return report
	}

	hb := l.LastHeartbeat
	report.LastHeartbeat = &hb
	age := h.now().Sub(hb)
	report.HeartbeatAge = age.Seconds()

	stale := time.Duration(h.factor) * l.Interval
	if alt := l.Interval + l.TaskTimeout; alt > stale {
		stale = alt
	}
	report.StaleAfter = stale.Seconds()
	if age > stale {
		report.Status = "degraded"
		report.Reason = fmt.Sprintf("poll loop stalled: last heartbeat %s ago", age.Round(time.Second))
	}
	return report
}

func (h *HealthHandler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet && r.Method != nethttp.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		return
	}
	report := h.Check()
	code := nethttp.StatusOK
	if report.Status != "ok" {
		code = nethttp.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
