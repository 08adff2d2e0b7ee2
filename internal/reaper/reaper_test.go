package reaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/metrics"
	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	mu      sync.Mutex
	zombies map[int]bool
	failing map[int]bool
	listErr error
	reaped  []int
}

func newFakeTable(pids ...int) *fakeTable {
	t := &fakeTable{zombies: map[int]bool{}, failing: map[int]bool{}}
	for _, pid := range pids {
		t.zombies[pid] = true
	}
	return t
}

func (t *fakeTable) add(pid int) {
	t.mu.Lock()
	t.zombies[pid] = true
	t.mu.Unlock()
}

func (t *fakeTable) Zombies() ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.listErr
	}
	var out []int
	for pid := range t.zombies {
		out = append(out, pid)
	}
	return out, nil
}

func (t *fakeTable) Reap(pid int) (ReapedProcess, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing[pid] {
		return ReapedProcess{}, false, errors.New("operation not permitted")
	}
	if !t.zombies[pid] {
		return ReapedProcess{}, false, nil
	}
	delete(t.zombies, pid)
	t.reaped = append(t.reaped, pid)
	return ReapedProcess{PID: pid, Signal: "killed"}, true, nil
}

type countingRecorder struct {
	metrics.Nop
	reaped atomic.Int32
}

func (c *countingRecorder) ZombieReaped() { c.reaped.Add(1) }

func newTestReaper(table ProcessTable, tracker *Tracker, waiter Waiter, rec metrics.Recorder) *Reaper {
	return newReaper(&conf.Reaper{Interval: time.Second}, table, tracker, waiter, rec, pkglog.NewLogHelper(log.DefaultLogger))
}

func TestSweep_ReapsUntrackedZombies(t *testing.T) {
	table := newFakeTable(101, 102, 103)
	table.failing[103] = true
	tracker := NewTracker()
	untrack, err := tracker.Spawn(func() (int, error) { return 102, nil })
	require.NoError(t, err)

	rec := &countingRecorder{}
	r := newTestReaper(table, tracker, nil, rec)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, []int{101}, table.reaped)
	assert.Equal(t, int32(1), rec.reaped.Load())

	// 102 的 Wait 返回后登记解除，下一轮回收
	untrack()
	untrack()
	assert.Equal(t, 1, r.Sweep())
	assert.ElementsMatch(t, []int{101, 102}, table.reaped)
	assert.Zero(t, tracker.Len())
}

func TestSweep_ListErrorIsSwallowed(t *testing.T) {
	table := newFakeTable()
	table.listErr = errors.New("proc not mounted")
	r := newTestReaper(table, nil, nil, nil)
	assert.Zero(t, r.Sweep())
}

func TestTracker_SpawnError(t *testing.T) {
	tracker := NewTracker()
	_, err := tracker.Spawn(func() (int, error) { return 0, errors.New("exec: not found") })
	require.Error(t, err)
	assert.Zero(t, tracker.Len())
}

func TestTracker_SpawnWaitsForSweep(t *testing.T) {
	tracker := NewTracker()
	release := tracker.hold()

	spawned := make(chan struct{})
	go func() {
		_, _ = tracker.Spawn(func() (int, error) { return 7, nil })
		close(spawned)
	}()

	select {
	case <-spawned:
		t.Fatal("Spawn must wait while a sweep is running")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-spawned
	assert.True(t, tracker.Tracked(7))
}

type closedWaiter struct{ ch chan struct{} }

func (w closedWaiter) Done() <-chan struct{} { return w.ch }

func TestStop_WaitsForSchedulerThenSweeps(t *testing.T) {
	table := newFakeTable()
	waiter := closedWaiter{ch: make(chan struct{})}
	r := newTestReaper(table, nil, waiter, nil)
	r.linger = 300 * time.Millisecond

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the scheduler finished")
	case <-time.After(50 * time.Millisecond):
	}

	// 取消的任务留下的子进程在 linger 期间被回收
	table.add(55)
	close(waiter.ch)
	require.NoError(t, <-stopped)
	assert.Equal(t, []int{55}, table.reaped)
}

func TestStartStop(t *testing.T) {
	r := newTestReaper(newFakeTable(), nil, nil, nil)
	r.linger = 0
	require.NoError(t, r.Start(testContext(t)))

	ctx, cancel := context.WithTimeout(testContext(t), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestReapedProcess_String(t *testing.T) {
	assert.Equal(t, "pid 9 exited with 2", ReapedProcess{PID: 9, ExitCode: 2}.String())
	assert.Equal(t, "pid 9 killed by killed", ReapedProcess{PID: 9, Signal: "killed"}.String())
}
