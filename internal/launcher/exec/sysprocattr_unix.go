//go:build !windows && !linux

package exec

import (
	osexec "os/exec"
	"syscall"
)

func configureSysProcAttr(cmd *osexec.Cmd, daemon bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
