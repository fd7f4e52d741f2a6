//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command in its own process group so that
// cancellation kills the whole tree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
