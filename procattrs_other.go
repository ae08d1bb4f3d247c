//go:build !linux

package sandboxproxy

import "os/exec"

func configureSandboxProcAttrs(cmd *exec.Cmd) {}
