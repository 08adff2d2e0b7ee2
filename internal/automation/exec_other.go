//go:build !unix

package automation

import (
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}
