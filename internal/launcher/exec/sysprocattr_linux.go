//go:build linux

package exec

import (
	osexec "os/exec"
	"syscall"
)

func configureSysProcAttr(cmd *osexec.Cmd, daemon bool) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if daemon {
		// Daemon workers must not outlive the parent.
		attr.Pdeathsig = syscall.SIGKILL
	}
	cmd.SysProcAttr = attr
}
