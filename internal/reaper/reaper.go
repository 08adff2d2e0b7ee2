// Package reaper collects exited child processes left behind by renewal
// actions (browser process trees) so they do not pile up as zombies.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/metrics"
	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/google/wire"
	"github.com/robfig/cron/v3"
)

// ProviderSet is reaper providers.
var ProviderSet = wire.NewSet(NewTracker, NewReaper)

var _ transport.Server = (*Reaper)(nil)

const (
	defaultInterval = 5 * time.Second
	defaultLinger   = 3 * time.Second
)

// ReapedProcess is one collected child.
type ReapedProcess struct {
	PID      int
	ExitCode int
	Signal   string
	ReapedAt time.Time
}

func (p ReapedProcess) String() string {
	if p.Signal != "" {
		return fmt.Sprintf("pid %d killed by %s", p.PID, p.Signal)
	}
	return fmt.Sprintf("pid %d exited with %d", p.PID, p.ExitCode)
}

// ProcessTable enumerates and collects this process's children.
type ProcessTable interface {
	// Zombies lists direct children that have exited but not been waited for.
	Zombies() ([]int, error)
	// Reap collects pid without blocking; ok is false when nothing was collected.
	Reap(pid int) (proc ReapedProcess, ok bool, err error)
}

// Waiter is closed when the scheduler has finished its last cycle.
type Waiter interface {
	Done() <-chan struct{}
}

// Reaper is a kratos transport.Server sweeping zombies on a fixed interval.
type Reaper struct {
	table   ProcessTable
	tracker *Tracker
	waiter  Waiter
	metrics metrics.Recorder
	log     *pkglog.LogHelper

	interval time.Duration
	linger   time.Duration

	sweepMu sync.Mutex
	cron    *cron.Cron
	now     func() time.Time
}

// NewReaper creates the reaper for the current platform's process table.
// waiter may be nil.
func NewReaper(c *conf.Reaper, tracker *Tracker, waiter Waiter, recorder metrics.Recorder, logger log.Logger) *Reaper {
	helper := pkglog.NewLogHelper(log.With(logger, "module", "reaper"))
	table, err := newProcessTable()
	if err != nil {
		helper.Warnw("msg", "Process table unavailable, reaper disabled", "error", err)
		table = nopTable{}
	}
	return newReaper(c, table, tracker, waiter, recorder, helper)
}

func newReaper(c *conf.Reaper, table ProcessTable, tracker *Tracker, waiter Waiter, recorder metrics.Recorder, helper *pkglog.LogHelper) *Reaper {
	r := &Reaper{
		table:    table,
		tracker:  tracker,
		waiter:   waiter,
		metrics:  recorder,
		log:      helper,
		interval: defaultInterval,
		linger:   defaultLinger,
		now:      time.Now,
	}
	if c != nil {
		if c.Interval > 0 {
			r.interval = c.Interval
		}
		if c.Linger >= 0 {
			r.linger = c.Linger
		}
	}
	if r.tracker == nil {
		r.tracker = NewTracker()
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop{}
	}
	// cron @every 最小粒度 1s
	if r.interval < time.Second {
		r.interval = time.Second
	}
	return r
}

// Start registers as child subreaper and schedules the sweep.
func (r *Reaper) Start(context.Context) error {
	if err := setSubreaper(); err != nil {
		r.log.Warnw("msg", "Cannot become child subreaper, orphaned grandchildren go to init", "error", err)
	}

	r.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() { r.Sweep() }); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	r.log.Startup("Child process reaper started", "interval", r.interval.String())
	return nil
}

// Stop waits for the scheduler, keeps sweeping for the linger period to
// collect children of cancelled tasks, then stops.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.waiter != nil {
		select {
		case <-r.waiter.Done():
		case <-ctx.Done():
		}
	}

	if r.linger > 0 {
		deadline := time.NewTimer(r.linger)
		tick := time.NewTicker(250 * time.Millisecond)
	linger:
		for {
			select {
			case <-deadline.C:
				break linger
			case <-ctx.Done():
				break linger
			case <-tick.C:
				r.Sweep()
			}
		}
		deadline.Stop()
		tick.Stop()
	}
	r.Sweep()

	if r.cron != nil {
		select {
		case <-r.cron.Stop().Done():
		case <-ctx.Done():
		}
	}
	r.log.Shutdown("Child process reaper stopped")
	return nil
}

// Sweep collects every untracked zombie child and returns how many were reaped.
// Failures are logged per process and never returned.
func (r *Reaper) Sweep() int {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	release := r.tracker.hold()
	defer release()

	pids, err := r.table.Zombies()
	if err != nil {
		r.log.Warnw("msg", "Listing child processes failed", "error", err)
		return 0
	}

	reaped := 0
	for _, pid := range pids {
		if r.tracker.Tracked(pid) {
			continue
		}
		proc, ok, err := r.table.Reap(pid)
		if err != nil {
			r.log.Warnw("msg", "Reaping child process failed", "pid", pid, "error", err)
			continue
		}
		if !ok {
			continue
		}
		proc.ReapedAt = r.now()
		reaped++
		r.metrics.ZombieReaped()
		r.log.Reaper("Reaped zombie process", "pid", proc.PID, "exit_code", proc.ExitCode, "signal", proc.Signal)
	}
	return reaped
}

// nopTable 平台不支持时使用
type nopTable struct{}

func (nopTable) Zombies() ([]int, error) { return nil, nil }

func (nopTable) Reap(int) (ReapedProcess, bool, error) { return ReapedProcess{}, false, nil }
