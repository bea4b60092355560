package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"
)

// Exit codes of a re-executed child.
const (
	ChildExitOK          = 0
	ChildExitFailed      = 1
	ChildExitUnknownTask = 2
	ChildExitInterrupted = 130
)

// childGrace is how long a body may keep running after the child was asked
// to interrupt before it is exited forcibly.
var childGrace = 5 * time.Second

var ErrUnknownTask = errors.New("unknown task")

// IsChild reports whether this process was started by Spawner for a named body.
func IsChild() bool { return os.Getenv(EnvChildTask) != "" }

// ChildMain runs the child side of a named body and exits the process. It never
// returns. Host programs call it first thing in main when IsChild is true,
// after opening whatever resources they register in res.
func ChildMain(reg *Registry, res *Resources) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := RunChild(ctx, reg, res, os.Stderr)
	stop()
	// os.Exit skips deferred functions; the child must not unwind into host code.
	os.Exit(code)
}

// RunChild closes res, applies the requested priority to the calling process,
// and runs the body named by the environment. It returns the exit code.
// Failures of the body are reported on stderr only.
func RunChild(ctx context.Context, reg *Registry, res *Resources, stderr io.Writer) int {
	name := os.Getenv(EnvChildTask)
	res.CloseAll()

	if v := os.Getenv(EnvChildPriority); v != "" {
		if prio, err := strconv.Atoi(v); err == nil {
			if err := setPriority(0, prio); err != nil {
				reportChildError(stderr, fmt.Errorf("set priority %d: %w", prio, err))
			}
		}
	}

	fn, ok := reg.Lookup(name)
	if !ok {
		reportChildError(stderr, fmt.Errorf("%w: %q", ErrUnknownTask, name))
		return ChildExitUnknownTask
	}

	result := make(chan int, 1)
	go func() { result <- runBody(ctx, fn, stderr) }()
	select {
	case code := <-result:
		return code
	case <-ctx.Done():
	}
	select {
	case code := <-result:
		return code
	case <-time.After(childGrace):
		return ChildExitInterrupted
	}
}

func runBody(ctx context.Context, fn TaskFunc, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(stderr, "spawn> Exception in child[%d] - panic: %v\n%s\n", os.Getpid(), r, debug.Stack())
			code = ChildExitFailed
		}
	}()
	if err := fn(ctx); err != nil {
		reportChildError(stderr, err)
		return ChildExitFailed
	}
	return ChildExitOK
}

func reportChildError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "spawn> Exception in child[%d] - %T: %v\n", os.Getpid(), err, err)
}
