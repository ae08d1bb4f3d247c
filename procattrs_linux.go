//go:build linux

package sandboxproxy

import (
	"os/exec"
	"syscall"
)

func configureSandboxProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
