package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Wait blocks until every handle has finished. Thread handles and handles
// from Spawn are joined through their done channel; adopted pids are waited on
// with wait4(2). "No such process" and "not our child" are treated as done.
func Wait(handles ...*Handle) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		if h.done != nil {
			<-h.done
			continue
		}
		waitPID(h.pid, 0)
	}
}

// TryWait reports whether h has finished without blocking. For adopted pids
// that are not children of this process it reports true, since there is
// nothing this process could wait for.
func TryWait(h *Handle) bool {
	if h == nil {
		return true
	}
	if h.done != nil {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}
	return waitPID(h.pid, unix.WNOHANG)
}

func waitPID(pid int, options int) bool {
	if pid <= 0 {
		return true
	}
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, options, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD), errors.Is(err, unix.ESRCH):
			return true
		case err != nil:
			return true
		}
		// WNOHANG with a still-running child yields pid 0.
		return wpid == pid
	}
}
