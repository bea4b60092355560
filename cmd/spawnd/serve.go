package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/spawnd"
	"github.com/loykin/spawnd/internal/config"
	"github.com/loykin/spawnd/internal/instance"
	"github.com/loykin/spawnd/internal/logger"
	"github.com/loykin/spawnd/internal/metrics"
	"github.com/loykin/spawnd/internal/process"
	"github.com/loykin/spawnd/internal/server"
)

const (
	takeoverTimeout = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=spawnd.toml or provide as argument")
	}

	cfg, err := spawnd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Interval > 0 {
		cfg.Interval = flags.Interval
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	return serve(context.Background(), cfg, log)
}

// serve runs the supervisor for cfg until ctx is done, SIGHUP arrives or the
// interrupt handler exits the process.
func serve(parent context.Context, cfg *spawnd.Config, log *slog.Logger) error {
	if err := checkNamedTasks(cfg.Tasks, builtins()); err != nil {
		return err
	}

	lock, err := acquireLock(parent, cfg.Lock)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	if err := os.MkdirAll(cfg.PIDDir, 0o750); err != nil {
		return fmt.Errorf("failed to create pid_dir %s: %w", cfg.PIDDir, err)
	}

	var sink spawnd.HistorySink
	if len(cfg.History.Sinks) > 0 {
		multi, sinkCloser, err := spawnd.NewHistorySinks(cfg.History.Sinks)
		if err != nil {
			return err
		}
		defer func() { _ = sinkCloser.Close() }()
		sink = multi
	}

	sup, err := spawnd.NewFromConfig(cfg, log, sink)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var samples server.SampleSource
	var servers []*http.Server
	if cfg.Metrics.Enabled {
		if err := spawnd.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Instance.Enabled {
			col := metrics.NewInstanceCollector(cfg.Metrics.Instance)
			if err := col.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("failed to register instance metrics", "error", err)
			}
			col.Start(ctx, func() []metrics.InstanceRef { return instanceRefs(sup.Instances()) })
			defer col.Stop()
			samples = col
		}
		servers = append(servers, metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path))
	}
	if cfg.Server.Enabled {
		servers = append(servers, spawnd.NewStatusServer(cfg.Server.Listen, cfg.Server.BasePath, sup, samples))
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", "addr", srv.Addr, "error", err)
			}
		}(srv)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
	}()

	ih := spawnd.NewInterruptHandler(sup, cancel, log)
	stopInterrupt := ih.Install()
	defer stopInterrupt()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		select {
		case <-hup:
			log.Info("hangup received, leaving instances to the next supervisor")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("spawnd started", "tasks", len(cfg.Tasks), "interval", cfg.Interval, "pid_dir", cfg.PIDDir)
	err = sup.Run(ctx)
	sup.Wait()
	log.Info("spawnd stopped")
	return err
}

// acquireLock takes the single-instance lock, asking a running supervisor to
// hand over first when takeover is enabled.
func acquireLock(ctx context.Context, lc config.LockConfig) (*instance.Lock, error) {
	if !lc.Takeover {
		lock, err := instance.Acquire(lc.File)
		if err != nil {
			return nil, fmt.Errorf("another spawnd holds %s: %w", lc.File, err)
		}
		return lock, nil
	}
	tctx, cancel := context.WithTimeout(ctx, takeoverTimeout)
	defer cancel()
	lock, err := instance.Takeover(tctx, lc.File, process.Signal)
	if err != nil {
		return nil, fmt.Errorf("take over %s: %w", lc.File, err)
	}
	return lock, nil
}

// checkNamedTasks fails when a task names a body this binary does not have.
func checkNamedTasks(tasks []spawnd.TaskDefinition, reg *spawnd.Registry) error {
	for _, t := range tasks {
		if t.Body.Kind != process.BodyNamed {
			continue
		}
		if _, ok := reg.Lookup(t.Body.Name); !ok {
			return fmt.Errorf("task %s: unknown task body %q (available: %s)", t.ID, t.Body.Name, strings.Join(reg.Names(), ", "))
		}
	}
	return nil
}

func instanceRefs(recs []spawnd.InstanceRecord) []metrics.InstanceRef {
	refs := make([]metrics.InstanceRef, 0, len(recs))
	for _, r := range recs {
		refs = append(refs, metrics.InstanceRef{TaskID: r.TaskID, Slot: r.Slot, PID: r.PID})
	}
	return refs
}
