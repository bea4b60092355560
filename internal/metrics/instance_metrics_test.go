package metrics

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceCollectorCollectAndCleanup(t *testing.T) {
	c := NewInstanceCollector(InstanceMetricsConfig{Enabled: true})
	c.sample = func(pid int, at time.Time) (Sample, error) {
		if pid == 99 {
			return Sample{}, errors.New("gone")
		}
		return Sample{CPUPercent: float64(pid), MemoryMB: 1.5, NumThreads: 4, Timestamp: at}, nil
	}
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	require.NoError(t, c.Register(reg))

	c.Collect([]InstanceRef{
		{TaskID: "b", Slot: 1, PID: 10},
		{TaskID: "a", Slot: 2, PID: 20},
		{TaskID: "a", Slot: 1, PID: 99},
		{TaskID: "a", Slot: 3, PID: 0},
	})
	latest := c.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "a", latest[0].TaskID)
	assert.Equal(t, 20, latest[0].PID)
	assert.Equal(t, "b", latest[1].TaskID)
	assert.InDelta(t, 20.0, testutil.ToFloat64(c.cpu.WithLabelValues("a", "2")), 0.001)
	assert.Equal(t, 2, testutil.CollectAndCount(c.memory))

	c.Collect([]InstanceRef{{TaskID: "b", Slot: 1, PID: 10}})
	latest = c.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, "b", latest[0].TaskID)
	assert.Equal(t, 1, testutil.CollectAndCount(c.threads))
}

func TestInstanceCollectorSamplesRealProcess(t *testing.T) {
	c := NewInstanceCollector(InstanceMetricsConfig{Enabled: true, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, func() []InstanceRef {
		return []InstanceRef{{TaskID: "self", Slot: 1, PID: os.Getpid()}}
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(c.Latest()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()
	c.Stop()
	latest := c.Latest()
	require.Len(t, latest, 1)
	assert.Greater(t, latest[0].MemoryMB, 0.0)
	assert.Greater(t, latest[0].NumThreads, int32(0))
}
