package reaper

import "sync"

// Tracker records the pids whose exit status belongs to an exec.Cmd.Wait.
// The reaper never collects a tracked pid.
type Tracker struct {
	// spawn 启动子进程期间阻止扫描，避免 pid 登记前被提前回收
	spawn sync.RWMutex

	mu   sync.Mutex
	pids map[int]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pids: make(map[int]struct{})}
}

// Spawn runs start with sweeps held off and tracks the pid it returns. The
// returned func untracks the pid; call it after Wait has returned.
func (t *Tracker) Spawn(start func() (int, error)) (func(), error) {
	t.spawn.RLock()
	defer t.spawn.RUnlock()

	pid, err := start()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.pids[pid] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.pids, pid)
			t.mu.Unlock()
		})
	}, nil
}

// Tracked reports whether pid is owned by a waiter.
func (t *Tracker) Tracked(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pids[pid]
	return ok
}

// Len returns the number of tracked pids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pids)
}

// hold blocks Spawn until the returned func is called.
func (t *Tracker) hold() func() {
	t.spawn.Lock()
	return t.spawn.Unlock
}
