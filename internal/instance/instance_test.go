package instance

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "spawnd.lock")
	first, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	owner, err := Owner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner)

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLockedElsewhere)

	require.NoError(t, first.Close())
	_, err = Owner(path)
	assert.Error(t, err, "owner is cleared on close")

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestTakeoverSignalsHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawnd.lock")
	held, err := Acquire(path)
	require.NoError(t, err)

	var got []int
	signal := func(pid int, sig syscall.Signal) error {
		assert.Equal(t, syscall.SIGHUP, sig)
		got = append(got, pid)
		// The previous instance exits shortly after SIGHUP.
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = held.Close()
		}()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := Takeover(ctx, path, signal)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	assert.Equal(t, []int{os.Getpid()}, got)
}

func TestTakeoverGivesUpOnTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawnd.lock")
	held, err := Acquire(path)
	require.NoError(t, err)
	defer func() { _ = held.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Takeover(ctx, path, func(int, syscall.Signal) error { return nil })
	assert.ErrorIs(t, err, ErrLockedElsewhere)
}

func TestTakeoverFreeLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawnd.lock")
	l, err := Takeover(context.Background(), path, func(int, syscall.Signal) error {
		t.Fatal("nobody to signal")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestOwnerInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))
	_, err := Owner(path)
	assert.Error(t, err)
}
