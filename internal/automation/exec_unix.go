//go:build unix

package automation

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the command in its own process group so that
// cancellation reaches the whole browser tree.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// 进程组可能已退出，ESRCH 可忽略
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
