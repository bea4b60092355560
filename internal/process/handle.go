package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// HandleKind distinguishes OS processes from in-process logical threads.
type HandleKind int

const (
	KindProcess HandleKind = iota
	KindThread
)

// Handle is one unit of process control. Handles returned by Spawner.Spawn are
// already detached: a goroutine reaps the child, so nobody has to wait on it.
type Handle struct {
	kind      HandleKind
	pid       int
	startedAt time.Time
	done      chan struct{} // nil for adopted pids we did not start

	mu  sync.Mutex
	err error
}

// FromPID adopts a pid this process did not necessarily start, e.g. one
// recovered from a PID file.
func FromPID(pid int) *Handle {
	return &Handle{kind: KindProcess, pid: pid}
}

func (h *Handle) PID() int         { return h.pid }
func (h *Handle) Kind() HandleKind { return h.kind }

// StartedAt is the wall-clock time the handle was created by Spawn or Go.
// It is zero for adopted pids.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the unit finished and was reaped. It is nil for adopted pids.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the exit error recorded when the unit finished.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// detach starts the reaper for a started command.
func detach(cmd *exec.Cmd) *Handle {
	h := &Handle{
		kind:      KindProcess,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() { h.finish(cmd.Wait()) }()
	return h
}

// Go runs fn on its own goroutine and returns a thread handle for it. A panic
// inside fn is recorded as the handle's error.
func Go(ctx context.Context, fn TaskFunc) *Handle {
	h := &Handle{kind: KindThread, startedAt: time.Now(), done: make(chan struct{})}
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			h.finish(err)
		}()
		err = fn(ctx)
	}()
	return h
}
