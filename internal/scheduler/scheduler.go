// Package scheduler runs the poll loop: reload config, detect candidates,
// dispatch the orchestrator, sleep.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"RefreshWorker/internal/biz"
	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/google/wire"
)

// ProviderSet is scheduler providers.
var ProviderSet = wire.NewSet(NewPollScheduler)

var _ transport.Server = (*PollScheduler)(nil)

// retryInterval 首轮之前没有可用间隔时的等待
const retryInterval = time.Minute

// CycleSummary 最近一轮的统计
type CycleSummary struct {
	CycleID    string `json:"cycle_id"`
	Candidates int    `json:"candidates"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Ineligible int    `json:"ineligible"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

// Liveness is the loop state read by the health endpoint.
type Liveness struct {
	Cycles        int64
	LastHeartbeat time.Time
	Interval      time.Duration
	TaskTimeout   time.Duration
	Enabled       bool
	LastError     string
	LastCycle     *CycleSummary
}

// PollScheduler is a kratos transport.Server driving refresh cycles.
type PollScheduler struct {
	repo     biz.AccountRepo
	resolver *biz.ConfigResolver
	orch     *biz.Orchestrator
	log      *pkglog.LogHelper

	env   func() biz.Env
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	// baseline 最近一次有效配置，nil 表示还没有
	baseline *biz.EffectiveConfig

	mu       sync.Mutex
	live     Liveness
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewPollScheduler creates the scheduler. The environment is snapshotted from
// the process at the top of every cycle.
func NewPollScheduler(repo biz.AccountRepo, resolver *biz.ConfigResolver, orch *biz.Orchestrator, logger log.Logger) *PollScheduler {
	s := &PollScheduler{
		repo:     repo,
		resolver: resolver,
		orch:     orch,
		log:      pkglog.NewLogHelper(log.With(logger, "module", "scheduler")),
		env:      biz.EnvFromOS,
		now:      time.Now,
		sleep:    sleepContext,
		done:     make(chan struct{}),
	}
	if orch != nil {
		orch.OnTaskSettled(func(biz.Outcome) { s.progress() })
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start runs the loop until Stop. It returns an error only when the first
// cycle cannot produce a valid configuration.
func (s *PollScheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()
	defer s.finish()
	defer cancel()

	s.log.Startup("Poll scheduler started")
	for {
		interval, err := s.RunOnce(loopCtx)
		if err != nil {
			s.log.Errorw("msg", "Poll scheduler cannot start without a valid configuration", "error", err)
			return err
		}
		if loopCtx.Err() != nil || !s.sleep(loopCtx, interval) {
			s.log.Shutdown("Poll scheduler stopped", "cycles", s.Liveness().Cycles)
			return nil
		}
	}
}

// Stop stops initiating cycles and waits for the in-flight one, bounded by ctx.
func (s *PollScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()
	if !started {
		s.finish()
		return nil
	}
	s.log.Shutdown("Stopping poll scheduler, waiting for in-flight tasks")
	cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.log.Warnw("msg", "Poll scheduler did not stop in time", "error", ctx.Err())
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (s *PollScheduler) Done() <-chan struct{} { return s.done }

func (s *PollScheduler) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// RunOnce performs one loop iteration and returns how long to sleep before
// the next. Cycle-level failures are logged and reported through Liveness;
// only a config failure with no earlier valid snapshot is returned.
func (s *PollScheduler) RunOnce(ctx context.Context) (time.Duration, error) {
	cfg, err := s.resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return retryInterval, nil
		}
		if s.baseline == nil {
			return 0, err
		}
		s.log.Warnw("msg", "Configuration invalid, skipping cycle", "error", err,
			"next_in", s.baseline.PollInterval.String())
		s.beat(*s.baseline, err, nil)
		return s.baseline.PollInterval, nil
	}
	for _, note := range cfg.Notes {
		s.log.ConfigWarn("Ignoring persisted setting", "note", note)
	}
	s.logConfigChange(cfg)
	s.baseline = &cfg

	if !cfg.RefreshEnabled {
		s.log.Scheduler("Scheduled refresh disabled, sleeping", "interval", cfg.PollInterval.String())
		s.beat(cfg, nil, nil)
		return cfg.PollInterval, nil
	}

	accounts, err := s.repo.LoadAccounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnw("msg", "Loading accounts failed, cycle aborted", "error", err)
		}
		s.beat(cfg, err, nil)
		return cfg.PollInterval, nil
	}

	// 每轮都检查: 上一轮回写失败的账户也会停在 refreshing
	s.orch.RecoverStale(ctx, accounts)

	candidates := biz.SelectCandidates(accounts, s.now(), cfg.ExpirationWindow)
	if len(candidates) == 0 {
		s.log.Scheduler("No accounts due for refresh", "accounts", len(accounts), "window", cfg.ExpirationWindow.String())
		s.beat(cfg, nil, &CycleSummary{})
		return cfg.PollInterval, nil
	}

	s.log.Scheduler("Refresh cycle starting", "candidates", len(candidates), "accounts", len(accounts))
	report := s.orch.RunCycle(ctx, candidates, cfg)
	succeeded := report.Count(biz.TaskSucceeded)
	s.beat(cfg, nil, &CycleSummary{
		CycleID:    report.CycleID,
		Candidates: report.Candidates,
		Dispatched: report.Dispatched(),
		Skipped:    len(report.Skipped),
		Ineligible: len(report.Ineligible),
		Succeeded:  succeeded,
		Failed:     report.Dispatched() - succeeded,
	})
	return cfg.PollInterval, nil
}

func (s *PollScheduler) resolve(ctx context.Context) (biz.EffectiveConfig, error) {
	persisted, err := s.repo.LoadConfig(ctx)
	if err != nil {
		return biz.EffectiveConfig{}, &biz.ConfigError{Reason: "load persisted config", Err: err}
	}
	return s.resolver.Resolve(persisted, s.env())
}

func (s *PollScheduler) logConfigChange(cfg biz.EffectiveConfig) {
	prev := s.baseline
	if prev != nil && prev.RefreshEnabled == cfg.RefreshEnabled && prev.PollInterval == cfg.PollInterval &&
		prev.ExpirationWindow == cfg.ExpirationWindow && prev.Headless == cfg.Headless && prev.DefaultProxy == cfg.DefaultProxy {
		return
	}
	s.log.Config("Effective refresh configuration",
		"enabled", cfg.RefreshEnabled,
		"interval", cfg.PollInterval.String(),
		"window", cfg.ExpirationWindow.String(),
		"headless", cfg.Headless,
		"proxy", cfg.DefaultProxy,
		"mail_provider", cfg.DefaultMailProvider,
		"task_timeout", cfg.TaskTimeout.String(),
		"max_concurrency", cfg.MaxConcurrency,
	)
}

// beat records a completed loop iteration.
func (s *PollScheduler) beat(cfg biz.EffectiveConfig, err error, summary *CycleSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Cycles++
	s.live.LastHeartbeat = s.now()
	s.live.Interval = cfg.PollInterval
	s.live.TaskTimeout = cfg.TaskTimeout
	s.live.Enabled = cfg.RefreshEnabled
	s.live.LastError = ""
	if err != nil {
		s.live.LastError = err.Error()
	}
	if summary != nil {
		s.live.LastCycle = summary
	}
}

// progress refreshes the heartbeat while a cycle is still running, so a
// long run of sequential tasks does not read as a stalled loop.
func (s *PollScheduler) progress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.LastHeartbeat = s.now()
}

// Liveness returns a copy of the loop state.
func (s *PollScheduler) Liveness() Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live
	if l.LastCycle != nil {
		c := *l.LastCycle
		l.LastCycle = &c
	}
	return l
}
