package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawnd",
			Subsystem: "task",
			Name:      "spawns_total",
			Help:      "Number of instances spawned.",
		}, []string{"task"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawnd",
			Subsystem: "task",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed to start a process.",
		}, []string{"task"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawnd",
			Subsystem: "task",
			Name:      "stops_total",
			Help:      "Number of instances stopped by the supervisor.",
		}, []string{"task", "reason"},
	)
	reclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spawnd",
			Subsystem: "task",
			Name:      "reclaims_total",
			Help:      "Number of dead instances whose records were cleaned up.",
		}, []string{"task"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spawnd",
			Subsystem: "task",
			Name:      "running_instances",
			Help:      "Live instances per task as of the last tick.",
		}, []string{"task"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spawnd",
			Subsystem: "supervisor",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one supervisor tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnFailures, stops, reclaims, runningInstances, tickDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// NewServer returns an HTTP server exposing path (default /metrics) on addr.
// The caller starts and shuts it down.
func NewServer(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(task string) {
	if regOK.Load() {
		spawns.WithLabelValues(task).Inc()
	}
}

func IncSpawnFailure(task string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(task).Inc()
	}
}

func IncStop(task, reason string) {
	if regOK.Load() {
		stops.WithLabelValues(task, reason).Inc()
	}
}

func AddReclaims(task string, n int) {
	if regOK.Load() && n > 0 {
		reclaims.WithLabelValues(task).Add(float64(n))
	}
}

func SetRunningInstances(task string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(task).Set(float64(n))
	}
}

func ObserveTick(d time.Duration) {
	if regOK.Load() {
		tickDuration.Observe(d.Seconds())
	}
}
