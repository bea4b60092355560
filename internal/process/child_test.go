package process

import (
	"bytes"
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChildClosesResourcesBeforeBody(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeCloser{}
	var closedBeforeBody bool
	reg.MustRegister("check", func(context.Context) error {
		closedBeforeBody = conn.closed
		return nil
	})
	var res Resources
	res.Add(conn)

	t.Setenv(EnvChildTask, "check")
	var stderr bytes.Buffer
	code := RunChild(context.Background(), reg, &res, &stderr)
	assert.Equal(t, ChildExitOK, code)
	assert.True(t, closedBeforeBody)
	assert.Empty(t, stderr.String())
}

func TestRunChildUnknownTask(t *testing.T) {
	t.Setenv(EnvChildTask, "nope")
	var stderr bytes.Buffer
	code := RunChild(context.Background(), NewRegistry(), nil, &stderr)
	assert.Equal(t, ChildExitUnknownTask, code)
	assert.Contains(t, stderr.String(), "spawn> Exception in child[")
	assert.Contains(t, stderr.String(), `"nope"`)
}

func TestRunChildReportsPanic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("panics", func(context.Context) error { panic("kaboom") })
	t.Setenv(EnvChildTask, "panics")
	var stderr bytes.Buffer
	code := RunChild(context.Background(), reg, nil, &stderr)
	assert.Equal(t, ChildExitFailed, code)
	assert.Contains(t, stderr.String(), "panic: kaboom")
}

func TestRunChildInterruptGrace(t *testing.T) {
	old := childGrace
	childGrace = 50 * time.Millisecond
	t.Cleanup(func() { childGrace = old })

	reg := NewRegistry()
	reg.MustRegister("stubborn", func(context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})
	t.Setenv(EnvChildTask, "stubborn")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	code := RunChild(ctx, reg, nil, &bytes.Buffer{})
	assert.Equal(t, ChildExitInterrupted, code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunChildCooperativeInterrupt(t *testing.T) {
	t.Setenv(EnvChildTask, "block")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	code := RunChild(ctx, testRegistry, nil, &bytes.Buffer{})
	assert.Equal(t, ChildExitOK, code)
}

func TestIsChild(t *testing.T) {
	t.Setenv(EnvChildTask, "")
	assert.False(t, IsChild())
	t.Setenv(EnvChildTask, "x")
	assert.True(t, IsChild())
}

func TestChildReceivesInterrupt(t *testing.T) {
	requireUnix(t)
	h, err := testSpawner().Spawn(context.Background(), SpawnRequest{
		TaskID: "blocker",
		Body:   NamedBody("block"),
	})
	require.NoError(t, err)

	// Give the child a moment to install its signal handler.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, Signal(h.PID(), syscall.SIGINT))
	if !waitUntil(5*time.Second, 20*time.Millisecond, func() bool { return TryWait(h) }) {
		_ = Signal(h.PID(), syscall.SIGKILL)
		t.Fatalf("child did not exit after interrupt")
	}
	assert.NoError(t, h.Err())
}
