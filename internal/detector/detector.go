// Package detector answers whether a recorded pid still belongs to a running
// process.
package detector

import (
	"errors"
	"fmt"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrNotFound means no process with the pid exists, or it already exited
	// and is only waiting to be reaped.
	ErrNotFound = errors.New("process not found")
	// ErrNotPermitted means a process exists but belongs to another user.
	ErrNotPermitted = errors.New("process not permitted")
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Prober checks a single pid.
type Prober interface {
	Probe(pid int) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(pid int) error

func (f ProberFunc) Probe(pid int) error { return f(pid) }

// SignalProber probes with signal 0.
type SignalProber struct{}

func (SignalProber) Probe(pid int) error { return Probe(pid) }

// Probe sends signal 0 to pid. It returns nil for a live process, ErrNotFound
// for a missing or zombie one and ErrNotPermitted when the process exists but
// cannot be signaled.
func Probe(pid int) error {
	if pid <= 0 {
		return ErrNotFound
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
	case errors.Is(err, syscall.ESRCH):
		return ErrNotFound
	case errors.Is(err, syscall.EPERM):
		return ErrNotPermitted
	default:
		return fmt.Errorf("probe pid %d: %w", pid, err)
	}
	if isZombie(pid) {
		return ErrNotFound
	}
	return nil
}

// Alive reports whether pid is a live process this user may signal.
// A process owned by someone else counts as not alive.
func Alive(pid int) bool { return Probe(pid) == nil }

func isZombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}
