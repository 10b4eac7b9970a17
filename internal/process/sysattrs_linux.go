//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in its own process group so group
// signals reach its children, and asks the kernel to kill it if the
// supervisor dies first.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
