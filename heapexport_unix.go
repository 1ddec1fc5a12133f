//go:build unix

package vprof

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the exporter in its own session so a crashing host
// does not take it down.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
