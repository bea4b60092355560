package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/loykin/spawnd/internal/detector"
	"github.com/loykin/spawnd/internal/env"
	"github.com/loykin/spawnd/internal/history"
	"github.com/loykin/spawnd/internal/pidfile"
	"github.com/loykin/spawnd/internal/process"
)

// fakeProcs stands in for the OS process table: spawning marks a pid alive,
// stopping marks it dead.
type fakeProcs struct {
	mu      sync.Mutex
	next    int
	alive   map[int]bool
	spawned []process.SpawnRequest
	stops   []stopCall
	failing map[string]error
	panics  map[string]bool

	// when gate is set, Spawn reports on entered and blocks until gate closes
	entered chan struct{}
	gate    chan struct{}
}

type stopCall struct {
	PID       int
	Recursive bool
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{next: 1000, alive: map[int]bool{}, failing: map[string]error{}, panics: map[string]bool{}}
}

func (f *fakeProcs) Spawn(ctx context.Context, req process.SpawnRequest) (*process.Handle, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[req.TaskID] {
		panic("spawner exploded")
	}
	if err := f.failing[req.TaskID]; err != nil {
		return nil, err
	}
	f.next++
	f.alive[f.next] = true
	f.spawned = append(f.spawned, req)
	return process.FromPID(f.next), nil
}

func (f *fakeProcs) Probe(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[pid] {
		return nil
	}
	return detector.ErrNotFound
}

func (f *fakeProcs) Stop(pid int, recursive bool) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopCall{PID: pid, Recursive: recursive})
	delete(f.alive, pid)
	return []int{pid}
}

func (f *fakeProcs) setAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alive {
		f.alive[pid] = true
	} else {
		delete(f.alive, pid)
	}
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeProcs) stopCalls() []stopCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stopCall(nil), f.stops...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) ofType(t history.EventType) []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	sup   *Supervisor
	procs *fakeProcs
	clock *fakeClock
	fs    afero.Fs
	store *pidfile.Store
	sink  *recordingSink
}

func task(id string, maxThreads int) TaskDefinition {
	return TaskDefinition{ID: id, MaxThreads: maxThreads, Body: process.CommandBody("sleep 60")}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T, tasks ...TaskDefinition) *harness {
	t.Helper()
	return newHarnessFs(t, afero.NewMemMapFs(), tasks...)
}

func newHarnessFs(t *testing.T, fsys afero.Fs, tasks ...TaskDefinition) *harness {
	t.Helper()
	h := &harness{
		procs: newFakeProcs(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		fs:    fsys,
		sink:  &recordingSink{},
	}
	h.store = pidfile.NewWithFs(fsys, "tmp")
	sup, err := New(Options{
		Tasks:   tasks,
		Store:   h.store,
		Prober:  h.procs,
		Stopper: h.procs,
		Spawner: h.procs,
		Env:     env.New(false),
		History: h.sink,
		Logger:  quietLogger(),
		Now:     h.clock.Now,
	})
	require.NoError(t, err)
	h.sup = sup
	return h
}

// seed leaves a PID file behind as a previous supervisor would have.
func (h *harness) seed(t *testing.T, taskID string, slot, pid int, mtime time.Time, alive bool) {
	t.Helper()
	require.NoError(t, h.store.WriteSlot(taskID, slot, pid))
	require.NoError(t, h.fs.Chtimes(h.store.Path(taskID, slot), mtime, mtime))
	h.procs.setAlive(pid, alive)
}

func (h *harness) fileExists(taskID string, slot int) bool {
	ok, _ := afero.Exists(h.fs, h.store.Path(taskID, slot))
	return ok
}

var errSpawn = errors.New("fork failed")
