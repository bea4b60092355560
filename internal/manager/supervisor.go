package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/spawnd/internal/detector"
	"github.com/loykin/spawnd/internal/env"
	"github.com/loykin/spawnd/internal/history"
	"github.com/loykin/spawnd/internal/logger"
	"github.com/loykin/spawnd/internal/metrics"
	"github.com/loykin/spawnd/internal/pidfile"
	"github.com/loykin/spawnd/internal/process"
	"github.com/loykin/spawnd/internal/proctree"
)

// DefaultInterval is the time between tick starts.
const DefaultInterval = 60 * time.Second

// historyTimeout bounds a single history delivery.
const historyTimeout = 5 * time.Second

// Spawner starts one instance of a task body.
type Spawner interface {
	Spawn(ctx context.Context, req process.SpawnRequest) (*process.Handle, error)
}

// Stopper kills an instance, optionally with all of its descendants.
type Stopper interface {
	Stop(pid int, recursive bool) []int
}

// treeLister is implemented by stoppers that can list descendants; it feeds
// the debug dump around max-life eviction.
type treeLister interface {
	Descendants(pid int) []int
}

// Options configures a Supervisor. Zero values select the OS-backed defaults.
type Options struct {
	Tasks    []TaskDefinition
	Interval time.Duration

	Store   *pidfile.Store
	Prober  detector.Prober
	Stopper Stopper
	Spawner Spawner
	Env     *env.Env
	History history.Sink
	Logger  *slog.Logger
	Now     func() time.Time
}

// Supervisor keeps the declared number of instances running for each task.
type Supervisor struct {
	tasks    []TaskDefinition
	byID     map[string]int
	interval time.Duration

	store   *pidfile.Store
	prober  detector.Prober
	stopper Stopper
	spawner Spawner
	env     *env.Env
	history history.Sink
	log     *slog.Logger
	now     func() time.Time

	records *instanceTable
	ticks   atomic.Int64
	running sync.WaitGroup

	// spawnMu is held shared from the start of a spawn until its record is
	// added; freeze takes it exclusively.
	spawnMu sync.RWMutex
	frozen  atomic.Bool

	outputsMu sync.Mutex
	outputs   map[string][2]*logger.TaskOutput
}

// New validates the task table and builds a Supervisor.
func New(opts Options) (*Supervisor, error) {
	s := &Supervisor{
		tasks:    append([]TaskDefinition(nil), opts.Tasks...),
		byID:     make(map[string]int, len(opts.Tasks)),
		interval: opts.Interval,
		store:    opts.Store,
		prober:   opts.Prober,
		stopper:  opts.Stopper,
		spawner:  opts.Spawner,
		env:      opts.Env,
		history:  opts.History,
		log:      opts.Logger,
		now:      opts.Now,
		records:  newInstanceTable(),
		outputs:  make(map[string][2]*logger.TaskOutput),
	}
	for i, t := range s.tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalidTask, t.ID)
		}
		s.byID[t.ID] = i
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.store == nil {
		s.store = pidfile.New(pidfile.DefaultDir)
	}
	if s.prober == nil {
		s.prober = detector.SignalProber{}
	}
	if s.stopper == nil {
		s.stopper = proctree.New(s.log)
	}
	if s.spawner == nil {
		s.spawner = &process.Spawner{Logger: s.log}
	}
	if s.env == nil {
		s.env = env.New(true)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Tasks returns the task table in iteration order.
func (s *Supervisor) Tasks() []TaskDefinition { return append([]TaskDefinition(nil), s.tasks...) }

// Interval is the configured time between tick starts.
func (s *Supervisor) Interval() time.Duration { return s.interval }

// TickCount is the number of ticks started so far.
func (s *Supervisor) TickCount() int64 { return s.ticks.Load() }

// Instances returns every tracked record, in task order then by pid.
func (s *Supervisor) Instances() []InstanceRecord {
	var out []InstanceRecord
	for _, t := range s.tasks {
		recs := s.records.list(t.ID)
		sort.Slice(recs, func(i, j int) bool { return recs[i].PID < recs[j].PID })
		out = append(out, recs...)
	}
	return out
}

// TaskInstances returns the tracked records of one task.
func (s *Supervisor) TaskInstances(taskID string) ([]InstanceRecord, bool) {
	if _, ok := s.byID[taskID]; !ok {
		return nil, false
	}
	recs := s.records.list(taskID)
	sort.Slice(recs, func(i, j int) bool { return recs[i].PID < recs[j].PID })
	return recs, true
}

// Recover loads the instances left by a previous supervisor from the PID
// files and applies each task's reload policy to them.
func (s *Supervisor) Recover(ctx context.Context) {
	for _, t := range s.tasks {
		s.log.Info("Initializing task", "task", t.ID, "max_threads", t.MaxThreads, "reload", string(t.Reload))
		entries, err := s.store.ReadAll(t.ID, t.MaxThreads)
		if err != nil {
			s.log.Error("read pid files", "task", t.ID, "error", err)
		}
		var recovered []InstanceRecord
		for _, e := range entries {
			if err := s.prober.Probe(e.PID); err != nil {
				s.log.Debug("removing stale pid file", "task", t.ID, "slot", e.Slot, "pid", e.PID, "reason", err)
				_ = s.store.Remove(t.ID, e.Slot)
				continue
			}
			rec := InstanceRecord{TaskID: t.ID, Slot: e.Slot, PID: e.PID, StartedAt: e.ModTime}
			if s.records.add(rec) {
				recovered = append(recovered, rec)
			}
		}
		s.applyReload(ctx, t, recovered)
		metrics.SetRunningInstances(t.ID, s.records.count(t.ID))
	}
}

func (s *Supervisor) applyReload(ctx context.Context, t TaskDefinition, recs []InstanceRecord) {
	switch t.Reload {
	case "", ReloadNone:
		return
	case ReloadAll, ReloadParent:
		recursive := t.Reload == ReloadAll
		for _, r := range recs {
			s.stop(ctx, t, r, recursive, history.ReasonReload)
		}
	default:
		s.log.Warn("unknown reload policy, leaving instances running", "task", t.ID, "reload", string(t.Reload))
	}
}

// RunningCount returns how many tracked instances of the task are alive.
// Dead instances lose their record and every PID file naming their pid.
func (s *Supervisor) RunningCount(taskID string) int {
	i, ok := s.byID[taskID]
	if !ok {
		return 0
	}
	t := s.tasks[i]
	alive, reclaimed := 0, 0
	for _, r := range s.records.list(taskID) {
		err := s.prober.Probe(r.PID)
		if err == nil {
			alive++
			continue
		}
		if !s.records.remove(taskID, r.PID) {
			continue
		}
		n := s.store.RemovePID(taskID, t.MaxThreads, r.PID)
		reclaimed++
		s.log.Debug("instance gone", "task", taskID, "pid", r.PID, "slot", r.Slot, "pid_files_removed", n, "reason", err)
		s.emit(history.EventReclaim, r, "")
	}
	metrics.AddReclaims(taskID, reclaimed)
	metrics.SetRunningInstances(taskID, alive)
	return alive
}

// Tick runs one reconciliation pass over every task in order. A failing or
// panicking task does not keep the others from being checked.
func (s *Supervisor) Tick(ctx context.Context) {
	s.ticks.Add(1)
	start := time.Now()
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		s.tickTask(ctx, t)
	}
	metrics.ObserveTick(time.Since(start))
}

func (s *Supervisor) tickTask(ctx context.Context, t TaskDefinition) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task tick panicked", "task", t.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if n := s.RunningCount(t.ID); n < t.MaxThreads {
		if err := s.spawnOne(ctx, t); err != nil {
			s.log.Error("spawn failed", "task", t.ID, "error", err)
		}
	}
	s.evictExpired(ctx, t)
}

func (s *Supervisor) spawnOne(ctx context.Context, t TaskDefinition) error {
	rec, started, err := s.start(ctx, t)
	if err != nil {
		metrics.IncSpawnFailure(t.ID)
		return err
	}
	if !started {
		return nil
	}
	s.log.Info("Started process", "task", t.ID, "pid", rec.PID, "slot", rec.Slot)
	metrics.IncSpawn(t.ID)
	s.emit(history.EventSpawn, rec, "")
	return nil
}

// start spawns one instance and records it. Nothing is started once the
// supervisor is frozen.
func (s *Supervisor) start(ctx context.Context, t TaskDefinition) (InstanceRecord, bool, error) {
	s.spawnMu.RLock()
	defer s.spawnMu.RUnlock()
	if s.frozen.Load() {
		return InstanceRecord{}, false, nil
	}
	req := process.SpawnRequest{
		TaskID:   t.ID,
		Body:     t.Body,
		Priority: t.Priority,
		WorkDir:  t.WorkDir,
		Env:      s.env.Merge(t.Env),
	}
	files := s.openOutputs(t)
	defer func() {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
	}()
	if f := files[0]; f != nil {
		req.Stdout = f
	}
	if f := files[1]; f != nil {
		req.Stderr = f
	}
	h, err := s.spawner.Spawn(ctx, req)
	if err != nil {
		return InstanceRecord{}, false, err
	}
	pid := h.PID()
	slot, err := s.store.Write(t.ID, t.MaxThreads, pid)
	if err != nil {
		s.log.Error("failed to write pid file; instance stays tracked in memory only", "task", t.ID, "pid", pid, "error", err)
		slot = 0
	}
	rec := InstanceRecord{TaskID: t.ID, Slot: slot, PID: pid, StartedAt: s.now()}
	s.records.add(rec)
	return rec, true, nil
}

// freeze stops further spawns, waits for the ones in flight and returns
// every instance tracked at that point.
func (s *Supervisor) freeze() []InstanceRecord {
	s.spawnMu.Lock()
	s.frozen.Store(true)
	s.spawnMu.Unlock()
	return s.Instances()
}

func (s *Supervisor) evictExpired(ctx context.Context, t TaskDefinition) {
	if t.MaxLife <= 0 {
		return
	}
	now := s.now()
	for _, r := range s.records.list(t.ID) {
		if r.Age(now) <= t.MaxLife {
			continue
		}
		s.log.Info("instance exceeded max life", "task", t.ID, "pid", r.PID, "age", r.Age(now).Round(time.Second), "max_life", t.MaxLife)
		tree, canList := s.stopper.(treeLister)
		if canList && s.log.Enabled(ctx, slog.LevelDebug) {
			s.log.Debug("process tree before eviction", "task", t.ID, "pid", r.PID, "descendants", tree.Descendants(r.PID))
		}
		s.stop(ctx, t, r, true, history.ReasonMaxLife)
		if canList && s.log.Enabled(ctx, slog.LevelDebug) {
			s.log.Debug("process tree after eviction", "task", t.ID, "pid", r.PID, "descendants", tree.Descendants(r.PID))
		}
	}
}

// stop kills the instance and forgets it without waiting for the exit.
func (s *Supervisor) stop(_ context.Context, t TaskDefinition, r InstanceRecord, recursive bool, reason string) {
	s.log.Info("Stopping process", "task", t.ID, "pid", r.PID, "recursive", recursive, "reason", reason)
	signaled := s.stopper.Stop(r.PID, recursive)
	s.log.Debug("signaled", "task", t.ID, "pids", signaled)
	s.records.remove(t.ID, r.PID)
	s.store.RemovePID(t.ID, t.MaxThreads, r.PID)
	metrics.IncStop(t.ID, reason)
	s.emit(history.EventStop, r, reason)
}

// StopTask stops every tracked instance of a task and returns how many were stopped.
func (s *Supervisor) StopTask(ctx context.Context, taskID string, recursive bool) (int, error) {
	i, ok := s.byID[taskID]
	if !ok {
		return 0, fmt.Errorf("unknown task %q", taskID)
	}
	t := s.tasks[i]
	recs := s.records.list(taskID)
	for _, r := range recs {
		s.stop(ctx, t, r, recursive, history.ReasonManual)
	}
	return len(recs), nil
}

// Run recovers state and then starts a tick every interval until ctx is
// done. Ticks run on their own goroutines and may overlap; Run does not wait
// for a tick before sleeping. It returns nil once ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Recover(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.Tick(ctx)
		}()
		timer.Reset(s.interval)
	}
}

// Wait blocks until every dispatched tick has returned.
func (s *Supervisor) Wait() { s.running.Wait() }

// Close releases the per-task log outputs. Running instances keep their own
// descriptors.
func (s *Supervisor) Close() error {
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	var errs []error
	for id, outs := range s.outputs {
		for i, o := range outs {
			if o == nil || (i == 1 && o == outs[0]) {
				continue
			}
			if err := o.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(s.outputs, id)
	}
	return errors.Join(errs...)
}

// openOutputs opens the task's log files for one new instance. The child
// gets the descriptors themselves, so it keeps logging after the supervisor
// exits. A stream that cannot be opened falls back to /dev/null.
func (s *Supervisor) openOutputs(t TaskDefinition) [2]*os.File {
	var files [2]*os.File
	if !t.Log.Enabled() {
		return files
	}
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	outs, ok := s.outputs[t.ID]
	if !ok {
		stdout, stderr := t.Log.Outputs(t.ID)
		outs = [2]*logger.TaskOutput{stdout, stderr}
		s.outputs[t.ID] = outs
	}
	for i, o := range outs {
		if o == nil {
			continue
		}
		f, err := o.Open()
		if err != nil {
			s.log.Warn("task log unavailable", "task", t.ID, "path", o.Path(), "error", err)
			continue
		}
		files[i] = f
	}
	return files
}

func (s *Supervisor) emit(typ history.EventType, r InstanceRecord, reason string) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	s.emitCtx(ctx, typ, r, reason)
}

// emitCtx sends one event bounded by ctx.
func (s *Supervisor) emitCtx(ctx context.Context, typ history.EventType, r InstanceRecord, reason string) {
	if s.history == nil {
		return
	}
	e := history.Event{
		Type:       typ,
		OccurredAt: s.now().UTC(),
		Record:     history.Record{TaskID: r.TaskID, Slot: r.Slot, PID: r.PID, StartedAt: r.StartedAt},
		Reason:     reason,
	}
	if err := s.history.Send(ctx, e); err != nil {
		s.log.Warn("history send failed", "type", string(typ), "task", r.TaskID, "error", err)
	}
}
