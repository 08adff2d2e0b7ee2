//go:build linux

package reaper

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// procTable reads /proc for children of this process and collects them with wait4.
type procTable struct {
	fs   procfs.FS
	self int
}

func newProcessTable() (ProcessTable, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &procTable{fs: fs, self: os.Getpid()}, nil
}

func (t *procTable) Zombies() ([]int, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var pids []int
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// 进程在遍历期间退出
			continue
		}
		if stat.PPID == t.self && stat.State == "Z" {
			pids = append(pids, stat.PID)
		}
	}
	return pids, nil
}

func (t *procTable) Reap(pid int) (ReapedProcess, bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case errors.Is(err, unix.ECHILD):
		// 已被别处回收
		return ReapedProcess{}, false, nil
	case err != nil:
		return ReapedProcess{}, false, err
	case wpid == 0:
		return ReapedProcess{}, false, nil
	}

	proc := ReapedProcess{PID: wpid}
	switch {
	case ws.Exited():
		proc.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		proc.ExitCode = -1
		proc.Signal = ws.Signal().String()
	}
	return proc, true, nil
}

func setSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
