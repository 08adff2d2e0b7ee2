//go:build linux

package reaper

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTrue(t *testing.T) *os.Process {
	t.Helper()
	path := "/bin/true"
	if _, err := os.Stat(path); err != nil {
		path = "/usr/bin/true"
	}
	proc, err := os.StartProcess(path, []string{"true"}, &os.ProcAttr{})
	if err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	return proc
}

func TestProcTable_ReapsRealZombie(t *testing.T) {
	table, err := newProcessTable()
	require.NoError(t, err)
	r := newTestReaper(table, NewTracker(), nil, nil)

	proc := startTrue(t)

	deadline := time.Now().Add(5 * time.Second)
	reaped := 0
	for reaped == 0 && time.Now().Before(deadline) {
		reaped = r.Sweep()
		if reaped == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.Equal(t, 1, reaped, "child %d should have been reaped", proc.Pid)
	_ = proc.Release()
}

func TestProcTable_SkipsTrackedChild(t *testing.T) {
	table, err := newProcessTable()
	require.NoError(t, err)
	tracker := NewTracker()
	r := newTestReaper(table, tracker, nil, nil)

	var proc *os.Process
	untrack, err := tracker.Spawn(func() (int, error) {
		proc = startTrue(t)
		return proc.Pid, nil
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, r.Sweep())

	state, err := proc.Wait()
	require.NoError(t, err)
	assert.True(t, state.Success())
	untrack()
}
