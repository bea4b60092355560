// Package spawnd keeps a configured number of OS processes running per task,
// recycles them after a maximum lifetime and recovers its children from PID
// files after a restart.
package spawnd

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/spawnd/internal/config"
	"github.com/loykin/spawnd/internal/history"
	"github.com/loykin/spawnd/internal/history/factory"
	"github.com/loykin/spawnd/internal/manager"
	"github.com/loykin/spawnd/internal/metrics"
	"github.com/loykin/spawnd/internal/process"
	iapi "github.com/loykin/spawnd/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type TaskDefinition = manager.TaskDefinition

type ReloadPolicy = manager.ReloadPolicy

const (
	ReloadNone   = manager.ReloadNone
	ReloadParent = manager.ReloadParent
	ReloadAll    = manager.ReloadAll
)

type Body = process.Body

type TaskFunc = process.TaskFunc

type Registry = process.Registry

type Resources = process.Resources

type Supervisor = manager.Supervisor

type Options = manager.Options

type InstanceRecord = manager.InstanceRecord

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

func NamedBody(name string) Body      { return process.NamedBody(name) }
func CommandBody(cmdline string) Body { return process.CommandBody(cmdline) }
func NewRegistry() *Registry          { return process.NewRegistry() }

// IsChild reports whether this process is a re-executed task instance.
func IsChild() bool { return process.IsChild() }

// ChildMain runs the named body selected by the environment and exits. Call
// it first thing in main when IsChild reports true.
func ChildMain(reg *Registry, res *Resources) { process.ChildMain(reg, res) }

// New builds a Supervisor from explicit options.
func New(opts Options) (*Supervisor, error) { return manager.New(opts) }

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// NewFromConfig builds a Supervisor for the tasks in c.
func NewFromConfig(c *Config, logger *slog.Logger, sink HistorySink) (*Supervisor, error) {
	return manager.New(Options{
		Tasks:    c.Tasks,
		Interval: c.Interval,
		Store:    c.Store(),
		Env:      c.Env,
		History:  sink,
		Logger:   logger,
	})
}

// NewInterruptHandler returns the SIGINT handler for sup.
func NewInterruptHandler(sup *Supervisor, cancel func(), logger *slog.Logger) *manager.InterruptHandler {
	return manager.NewInterruptHandler(sup, cancel, logger)
}

// NewHistorySinks opens one sink per DSN. Close the returned closer on shutdown.
func NewHistorySinks(dsns []string) (history.Multi, io.Closer, error) {
	return factory.NewSinks(dsns)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// NewStatusServer returns the read-only status API server for sup.
func NewStatusServer(addr, basePath string, sup *Supervisor, samples iapi.SampleSource) *http.Server {
	return iapi.NewServer(addr, basePath, sup, samples)
}
