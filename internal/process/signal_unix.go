//go:build !windows

package process

import "syscall"

// Signal sends sig to a single pid. It never signals process groups: pid <= 0
// is rejected with ESRCH.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(pid, sig)
}
