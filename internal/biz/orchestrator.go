package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/metrics"
	pkglog "RefreshWorker/pkg/log"
	"RefreshWorker/pkg/mail"
	"RefreshWorker/pkg/proxy"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/cast"
	"golang.org/x/sync/semaphore"
)

// Failure reasons written to the account record.
const (
	ReasonShutdown  = "cancelled: shutdown"
	ReasonRecovered = "recovered: stale refreshing marker"

	recentOutcomeSize   = 256
	defaultStoreTimeout = 30 * time.Second

	outcomeRetryBase = 200 * time.Millisecond
	outcomeRetryMax  = 2 * time.Second
)

// Orchestrator turns candidates into refresh tasks: one per account, guarded
// by the lock table, bounded by a semaphore, and reconciled into storage.
type Orchestrator struct {
	repo     AccountRepo
	locks    *LockTable
	action   RenewalAction
	mail     *mail.Registry
	failures FailureTracker
	metrics  metrics.Recorder
	recent   *lru.Cache[string, Outcome]

	storeTimeout time.Duration
	retryBackoff time.Duration
	settled      func(Outcome)
	log          *pkglog.LogHelper

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	repo AccountRepo,
	locks *LockTable,
	action RenewalAction,
	registry *mail.Registry,
	failures FailureTracker,
	recorder metrics.Recorder,
	c *conf.Worker,
	logger log.Logger,
) *Orchestrator {
	size := recentOutcomeSize
	storeTimeout := defaultStoreTimeout
	if c != nil {
		if c.RecentOutcomes > 0 {
			size = c.RecentOutcomes
		}
		if c.StoreTimeout > 0 {
			storeTimeout = c.StoreTimeout
		}
	}
	recent, _ := lru.New[string, Outcome](size)
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if locks == nil {
		locks = NewLockTable()
	}
	return &Orchestrator{
		repo:         repo,
		locks:        locks,
		action:       action,
		mail:         registry,
		failures:     failures,
		metrics:      recorder,
		recent:       recent,
		storeTimeout: storeTimeout,
		retryBackoff: outcomeRetryBase,
		log:          pkglog.NewLogHelper(log.With(logger, "module", "biz/orchestrator")),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Locks exposes the lock table.
func (o *Orchestrator) Locks() *LockTable { return o.locks }

// OnTaskSettled registers fn to run after every task reaches a terminal
// state. It must be called before the first RunCycle.
func (o *Orchestrator) OnTaskSettled(fn func(Outcome)) { o.settled = fn }

// RunCycle dispatches one task per candidate whose lock is free and waits
// until every dispatched task is terminal. cfg is the snapshot taken when the
// cycle started; tasks never see a later one. Cancelling ctx cancels queued
// and running tasks, but their outcome writes still complete.
func (o *Orchestrator) RunCycle(ctx context.Context, candidates []*Account, cfg EffectiveConfig) *CycleReport {
	report := &CycleReport{
		CycleID:    o.newID(),
		StartedAt:  o.now(),
		Candidates: len(candidates),
	}
	ctx = pkglog.WithCycle(ctx, report.CycleID)

	limit := cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	var wg sync.WaitGroup
	for _, acc := range candidates {
		if acc == nil {
			continue
		}
		if problem := mailboxProblem(acc, mailProviderFor(acc, cfg), cfg); problem != "" {
			report.Ineligible = append(report.Ineligible, acc.ID)
			o.metrics.TaskSkipped()
			o.log.Warnw("msg", "Mailbox credentials incomplete, skipping", "account_id", acc.ID, "reason", problem)
			continue
		}
		if !o.locks.TryAcquire(acc.ID) {
			report.Skipped = append(report.Skipped, acc.ID)
			o.metrics.TaskSkipped()
			o.log.Refresh(ctx, "Account already being refreshed, skipping", "account_id", acc.ID)
			continue
		}

		task := &RefreshTask{
			ID:        o.newID(),
			CycleID:   report.CycleID,
			AccountID: acc.ID,
			State:     TaskPending,
			CreatedAt: o.now(),
		}
		report.Tasks = append(report.Tasks, task)

		wg.Add(1)
		go func(acc *Account, task *RefreshTask) {
			defer wg.Done()
			defer o.locks.Release(acc.ID)
			o.runTask(ctx, sem, acc, task, cfg)
		}(acc.Clone(), task)
	}
	wg.Wait()

	report.FinishedAt = o.now()
	o.metrics.CycleFinished(report.Candidates, report.Duration())
	o.log.Cycle(report.CycleID, report.Candidates, report.Dispatched(), len(report.Skipped),
		report.Count(TaskSucceeded), report.Dispatched()-report.Count(TaskSucceeded), report.Duration())
	return report
}

// runTask drives one task to a terminal state. The caller holds the lock.
func (o *Orchestrator) runTask(ctx context.Context, sem *semaphore.Weighted, acc *Account, task *RefreshTask, cfg EffectiveConfig) {
	task.Attempt = o.attempt(ctx, acc.ID)
	ctx = pkglog.WithTask(ctx, task.ID, acc.ID, task.Attempt)

	// 排队中被取消: 账户未动过，无需回写
	if err := sem.Acquire(ctx, 1); err != nil {
		o.finish(ctx, task, TaskCancelled, ReasonShutdown)
		return
	}
	defer sem.Release(1)
	if ctx.Err() != nil {
		o.finish(ctx, task, TaskCancelled, ReasonShutdown)
		return
	}

	started := o.now()
	task.State = TaskRunning
	task.StartedAt = &started
	o.metrics.TaskStarted()
	defer o.metrics.TaskDone()

	priorStatus, priorReason := acc.Status, acc.FailureReason
	acc.Status = StatusRefreshing
	if err := o.store(ctx, acc); err != nil {
		o.finish(ctx, task, TaskFailed, "mark refreshing: "+err.Error())
		return
	}
	o.log.Refresh(ctx, "Refresh task started", "timeout", cfg.TaskTimeout.String(), "previous_status", string(priorStatus))

	res, runErr := o.execute(ctx, acc, task, cfg)
	finished := o.now()

	switch {
	case runErr == nil:
		exp := res.ExpiresAt
		acc.CredentialBlob = res.Credential
		acc.ExpiresAt = &exp
		acc.Status = StatusActive
		acc.FailureReason = ""
		acc.LastRefreshAt = &finished
		if err := o.storeOutcome(ctx, acc); err != nil {
			o.finish(ctx, task, TaskFailed, "persist credential: "+err.Error())
			return
		}
		o.resetFailures(ctx, acc.ID)
		o.finish(ctx, task, TaskSucceeded, "", "expires_at", exp.Format(time.RFC3339))

	case errors.Is(runErr, errTaskCancelled):
		// 运行中被关停: 恢复原状态，重启后会重新检测
		acc.Status = priorStatus
		acc.FailureReason = ReasonShutdown
		if priorStatus == StatusRefreshing || priorStatus == "" {
			acc.Status = StatusActive
		}
		if err := o.storeOutcome(ctx, acc); err != nil {
			o.log.Errorw("msg", "Failed to restore account after cancellation", "account_id", acc.ID,
				"prior_reason", priorReason, "error", err)
		}
		o.finish(ctx, task, TaskCancelled, ReasonShutdown)

	default:
		state, reason := TaskFailed, ClassifyFailure(runErr).Error()
		var pe *panicError
		switch {
		case errors.Is(runErr, errTaskTimeout):
			state, reason = TaskTimedOut, fmt.Sprintf("timeout after %s", cfg.TaskTimeout)
		case errors.As(runErr, &pe):
			reason = pe.Error()
		}
		acc.Status = StatusFailed
		acc.FailureReason = reason
		acc.LastRefreshAt = &finished
		if err := o.storeOutcome(ctx, acc); err != nil {
			o.log.Errorw("msg", "Failed to record refresh failure", "account_id", acc.ID, "error", err)
		}
		o.recordFailure(ctx, acc.ID)
		o.finish(ctx, task, state, reason)
	}
}

var (
	errTaskTimeout   = errors.New("task timeout")
	errTaskCancelled = errors.New("task cancelled")
)

type actionOutcome struct {
	res *RenewalResult
	err error
}

// panicError 续期动作 panic 后的恢复值
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// execute runs the renewal action under the task timeout. An action that
// does not return once its context is done is abandoned.
func (o *Orchestrator) execute(ctx context.Context, acc *Account, task *RefreshTask, cfg EffectiveConfig) (*RenewalResult, error) {
	req, err := o.buildRequest(acc, task, cfg)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, cfg.TaskTimeout)
	defer cancel()

	done := make(chan actionOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- actionOutcome{err: &panicError{value: r}}
			}
		}()
		res, err := o.action.Run(actx, req)
		done <- actionOutcome{res: res, err: err}
	}()

	var out actionOutcome
	select {
	case out = <-done:
	case <-actx.Done():
		select {
		case out = <-done:
		default:
			out = actionOutcome{err: actx.Err()}
			o.log.Warnw("msg", "Renewal action did not stop in time, abandoning", "account_id", acc.ID, "task_id", task.ID)
		}
	}

	if out.err == nil {
		if err := out.res.validate(o.now()); err != nil {
			return nil, err
		}
		return out.res, nil
	}

	var pe *panicError
	switch {
	case errors.As(out.err, &pe):
		o.log.Errorw("msg", "Renewal action panicked", "account_id", acc.ID, "task_id", task.ID, "panic", fmt.Sprint(pe.value))
		return nil, out.err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", errTaskCancelled, out.err)
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", errTaskTimeout, out.err)
	default:
		return nil, out.err
	}
}

// buildRequest resolves the account's proxy and mail client.
func (o *Orchestrator) buildRequest(acc *Account, task *RefreshTask, cfg EffectiveConfig) (*RenewalRequest, error) {
	spec := acc.ProxySpec
	if strings.TrimSpace(spec) == "" {
		spec = cfg.DefaultProxy
	}
	setting, err := proxy.Parse(spec)
	if err != nil {
		return nil, err
	}

	req := &RenewalRequest{
		TaskID:  task.ID,
		Attempt: task.Attempt,
		Account: acc.Clone(),
		Config:  cfg,
		Proxy:   setting,
		Mailbox: mailboxFor(acc),
	}
	if o.mail == nil {
		return req, nil
	}

	resolved, err := o.mail.Resolve(mailProviderFor(acc, cfg))
	if err != nil {
		return nil, err
	}
	settings := applyMailOverrides(acc, cfg.MailSettings(resolved, mail.Settings{Proxy: setting}))
	client, err := o.mail.Get(resolved, settings)
	if err != nil {
		return nil, err
	}
	req.Mail = client
	return req, nil
}

// applyMailOverrides 账户级邮箱配置覆盖全局默认
func applyMailOverrides(acc *Account, s mail.Settings) mail.Settings {
	if v := acc.ExtraString("mail_base_url"); v != "" {
		s.BaseURL = v
	}
	if v := acc.ExtraString("mail_api_key"); v != "" {
		s.APIKey = v
	}
	if v := acc.ExtraString("mail_domain"); v != "" {
		s.Domain = v
	}
	if raw := acc.ExtraValue("mail_verify_ssl"); raw != nil {
		if b, err := cast.ToBoolE(raw); err == nil {
			s.VerifySSL = b
		}
	}
	return s
}

func (o *Orchestrator) attempt(ctx context.Context, accountID string) int {
	if o.failures == nil {
		return 1
	}
	n, err := o.failures.Failures(ctx, accountID)
	if err != nil {
		return 1
	}
	return n + 1
}

func (o *Orchestrator) recordFailure(ctx context.Context, accountID string) {
	if o.failures == nil {
		return
	}
	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	_, _ = o.failures.RecordFailure(wctx, accountID)
}

func (o *Orchestrator) resetFailures(ctx context.Context, accountID string) {
	if o.failures == nil {
		return
	}
	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	_ = o.failures.Reset(wctx, accountID)
}

// writeContext detaches outcome writes from shutdown cancellation.
func (o *Orchestrator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
}

func (o *Orchestrator) store(ctx context.Context, acc *Account) error {
	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	return o.repo.SaveAccount(wctx, acc)
}

// storeOutcome writes the post-action record, retrying with backoff until it
// lands or the store timeout runs out. A record that stays unwritten is left
// in refreshing and restored by RecoverStale on a later cycle.
func (o *Orchestrator) storeOutcome(ctx context.Context, acc *Account) error {
	wctx, cancel := o.writeContext(ctx)
	defer cancel()

	backoff := o.retryBackoff
	if backoff <= 0 {
		backoff = outcomeRetryBase
	}
	for attempt := 1; ; attempt++ {
		err := o.repo.SaveAccount(wctx, acc)
		if err == nil || errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrInvalidRecord) {
			return err
		}
		o.log.Warnw("msg", "Outcome write failed, retrying", "account_id", acc.ID,
			"attempt", attempt, "backoff", backoff.String(), "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-wctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if backoff *= 2; backoff > outcomeRetryMax {
			backoff = outcomeRetryMax
		}
	}
}

// finish settles the task: terminal state, metrics, log, recent outcome, history.
func (o *Orchestrator) finish(ctx context.Context, task *RefreshTask, state TaskState, reason string, kvs ...interface{}) {
	end := o.now()
	task.State = state
	task.FinishedAt = &end
	task.FailureReason = reason

	var dur time.Duration
	if task.StartedAt != nil {
		dur = end.Sub(*task.StartedAt)
	}
	o.metrics.TaskFinished(string(state), dur)
	o.log.Outcome(ctx, string(state), dur, reason, kvs...)
	outcome := Outcome{
		AccountID:  task.AccountID,
		TaskID:     task.ID,
		State:      state,
		Reason:     reason,
		FinishedAt: end,
		Duration:   dur,
	}
	o.recent.Add(task.AccountID, outcome)

	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	if err := o.repo.SaveTaskHistory(wctx, task); err != nil {
		o.log.Warnw("msg", "Failed to append task history", "task_id", task.ID, "error", err)
	}
	if o.settled != nil {
		o.settled(outcome)
	}
}

// RecoverStale restores accounts left in refreshing by a previous process
// or by an outcome write that never landed. Accounts whose lock is held here
// are in flight and left alone. It returns the ids restored.
func (o *Orchestrator) RecoverStale(ctx context.Context, accounts []*Account) []string {
	var recovered []string
	for _, a := range accounts {
		if a == nil || a.Status != StatusRefreshing || o.locks.Held(a.ID) {
			continue
		}
		acc := a.Clone()
		acc.Status = StatusActive
		acc.FailureReason = ReasonRecovered
		if err := o.store(ctx, acc); err != nil {
			o.log.Warnw("msg", "Failed to recover stale refreshing account", "account_id", acc.ID, "error", err)
			continue
		}
		a.Status, a.FailureReason = acc.Status, acc.FailureReason
		recovered = append(recovered, acc.ID)
	}
	if len(recovered) > 0 {
		o.log.Warnw("msg", "Recovered accounts left in refreshing", "count", len(recovered), "account_ids", recovered)
	}
	return recovered
}

// RecentOutcomes returns the latest outcome per account, newest first.
func (o *Orchestrator) RecentOutcomes() []Outcome {
	out := o.recent.Values()
	sortOutcomes(out)
	return out
}

// RecentFailures is RecentOutcomes without successes.
func (o *Orchestrator) RecentFailures() []Outcome {
	all := o.RecentOutcomes()
	out := all[:0]
	for _, oc := range all {
		if oc.State != TaskSucceeded {
			out = append(out, oc)
		}
	}
	return out
}
