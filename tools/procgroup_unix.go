//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts cmd as the leader of a new process group and makes
// cancellation kill the whole group, so helpers like ffmpeg under scdl die
// with it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
