//go:build !windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProcAttr puts the child in its own process group so terminal
// job-control signals aimed at the supervisor do not reach it directly.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setPriority sets the nice value of pid; pid 0 means the calling process.
func setPriority(pid, prio int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, prio)
}

