package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// InstanceRef names one running instance to sample.
type InstanceRef struct {
	TaskID string `json:"task_id"`
	Slot   int    `json:"slot"`
	PID    int    `json:"pid"`
}

// Sample holds CPU and memory usage of one instance.
type Sample struct {
	InstanceRef
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceMetricsConfig holds configuration for per-instance sampling.
type InstanceMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type sampleKey struct {
	task string
	slot int
}

// InstanceCollector periodically samples resource usage of supervised instances.
type InstanceCollector struct {
	interval time.Duration
	sample   func(pid int, at time.Time) (Sample, error)

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec

	mu     sync.RWMutex
	latest map[sampleKey]Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewInstanceCollector(cfg InstanceMetricsConfig) *InstanceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	labels := []string{"task", "slot"}
	return &InstanceCollector{
		interval: interval,
		sample:   sampleProcess,
		latest:   make(map[sampleKey]Sample),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawnd", Subsystem: "instance", Name: "cpu_percent",
			Help: "CPU usage percentage of a supervised instance.",
		}, labels),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawnd", Subsystem: "instance", Name: "memory_mb",
			Help: "Resident memory in MB of a supervised instance.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawnd", Subsystem: "instance", Name: "num_threads",
			Help: "Number of OS threads of a supervised instance.",
		}, labels),
	}
}

// Register registers the collector's gauges with r.
func (c *InstanceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.memory, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the instances returned by list every interval until ctx is
// done or Stop is called.
func (c *InstanceCollector) Start(ctx context.Context, list func() []InstanceRef) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(list())
			}
		}
	}()
}

// Stop ends collection and waits for the sampling goroutine.
func (c *InstanceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every ref and forgets instances not in refs.
func (c *InstanceCollector) Collect(refs []InstanceRef) {
	now := time.Now()
	active := make(map[sampleKey]bool, len(refs))
	fresh := make(map[sampleKey]Sample, len(refs))
	for _, ref := range refs {
		if ref.PID <= 0 {
			continue
		}
		k := sampleKey{ref.TaskID, ref.Slot}
		active[k] = true
		s, err := c.sample(ref.PID, now)
		if err != nil {
			slog.Debug("Failed to sample instance", "task", ref.TaskID, "pid", ref.PID, "error", err)
			continue
		}
		s.InstanceRef = ref
		fresh[k] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range fresh {
		slot := strconv.Itoa(k.slot)
		c.cpu.WithLabelValues(k.task, slot).Set(s.CPUPercent)
		c.memory.WithLabelValues(k.task, slot).Set(s.MemoryMB)
		c.threads.WithLabelValues(k.task, slot).Set(float64(s.NumThreads))
		c.latest[k] = s
	}
	for k := range c.latest {
		if active[k] {
			continue
		}
		slot := strconv.Itoa(k.slot)
		c.cpu.DeleteLabelValues(k.task, slot)
		c.memory.DeleteLabelValues(k.task, slot)
		c.threads.DeleteLabelValues(k.task, slot)
		delete(c.latest, k)
	}
}

// Latest returns the most recent sample of every instance, ordered by task and slot.
func (c *InstanceCollector) Latest() []Sample {
	c.mu.RLock()
	out := make([]Sample, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

func sampleProcess(pid int, at time.Time) (Sample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	s := Sample{
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
		Timestamp: at,
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	return s, nil
}
