// Package instance keeps a single supervisor running per lock file. The
// holder writes its pid into the file so a newer instance can ask it to hand
// over with SIGHUP.
package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockedElsewhere is returned if the lock is held by another process.
var ErrLockedElsewhere = errors.New("lock file already held elsewhere")

// retryDelay is how often a takeover polls the lock.
const retryDelay = 25 * time.Millisecond

// Lock is a held single-instance lock.
type Lock struct {
	path string
	l    *flock.Flock
}

// Acquire takes the lock at path without waiting.
func Acquire(path string) (*Lock, error) {
	return acquire(nil, path)
}

// Takeover acquires the lock at path. If another process holds it, that
// process is sent SIGHUP (through signal) and the lock is polled until it is
// released or ctx is done.
func Takeover(ctx context.Context, path string, signal func(pid int, sig syscall.Signal) error) (*Lock, error) {
	l, err := acquire(nil, path)
	if !errors.Is(err, ErrLockedElsewhere) {
		return l, err
	}
	owner, rerr := Owner(path)
	if rerr != nil {
		return nil, fmt.Errorf("%w: owner unknown: %w", ErrLockedElsewhere, rerr)
	}
	if signal == nil {
		signal = syscall.Kill
	}
	if err := signal(owner, syscall.SIGHUP); err != nil && !errors.Is(err, syscall.ESRCH) {
		return nil, fmt.Errorf("signal previous instance %d: %w", owner, err)
	}
	return acquire(ctx, path)
}

func acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	l := flock.New(path)

	var locked bool
	var err error
	if ctx != nil {
		locked, err = l.TryLockContext(ctx, retryDelay)
	} else {
		locked, err = l.TryLock()
	}
	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockedElsewhere, err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLockedElsewhere
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		_ = l.Unlock()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{path: path, l: l}, nil
}

// Owner reads the pid recorded in the lock file at path.
func Owner(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid owner pid in %s", path)
	}
	return pid, nil
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

// Close clears the owner pid and releases the lock.
func (l *Lock) Close() error {
	_ = os.Truncate(l.path, 0)
	return l.l.Unlock()
}
