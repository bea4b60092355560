package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/spawnd"
	"github.com/loykin/spawnd/internal/config"
	"github.com/loykin/spawnd/internal/instance"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeKeepsQuotaAndHandsOver(t *testing.T) {
	p := writeConfig(t, `
pid_dir = "pids"
interval = "50ms"

[log]
path = "-"

[[tasks]]
id = "worker"
max_threads = 2
command = "sleep 30"
`)
	cfg, err := spawnd.LoadConfig(p)
	require.NoError(t, err)
	store := cfg.Store()
	t.Cleanup(func() {
		entries, _ := store.ReadAll("worker", 2)
		for _, e := range entries {
			_ = syscall.Kill(e.PID, syscall.SIGKILL)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, quietLogger()) }()

	require.Eventually(t, func() bool {
		entries, _ := store.ReadAll("worker", 2)
		return len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	// Instances outlive the supervisor.
	entries, err := store.ReadAll("worker", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NoError(t, syscall.Kill(e.PID, 0), "pid %d should still run", e.PID)
	}
}

func TestServeRefusesSecondInstance(t *testing.T) {
	p := writeConfig(t, `
[log]
path = "-"

[[tasks]]
id = "worker"
max_threads = 1
command = "sleep 30"
`)
	cfg, err := spawnd.LoadConfig(p)
	require.NoError(t, err)

	held, err := instance.Acquire(cfg.Lock.File)
	require.NoError(t, err)
	defer func() { _ = held.Close() }()

	err = serve(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, instance.ErrLockedElsewhere))
}

func TestServeUnknownNamedTask(t *testing.T) {
	p := writeConfig(t, `
[log]
path = "-"

[[tasks]]
id = "worker"
max_threads = 1
task = "missing"
`)
	cfg, err := spawnd.LoadConfig(p)
	require.NoError(t, err)

	err = serve(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown task body "missing"`)
	assert.Contains(t, err.Error(), "noop, sleep")
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawnd.lock")

	first, err := acquireLock(context.Background(), config.LockConfig{File: path})
	require.NoError(t, err)

	_, err = acquireLock(context.Background(), config.LockConfig{File: path})
	require.ErrorIs(t, err, instance.ErrLockedElsewhere)

	require.NoError(t, first.Close())
	second, err := acquireLock(context.Background(), config.LockConfig{File: path, Takeover: true})
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestInstanceRefs(t *testing.T) {
	refs := instanceRefs([]spawnd.InstanceRecord{{TaskID: "a", Slot: 1, PID: 10}, {TaskID: "b", Slot: 2, PID: 20}})
	require.Len(t, refs, 2)
	assert.Equal(t, "b", refs[1].TaskID)
	assert.Equal(t, 20, refs[1].PID)
}
