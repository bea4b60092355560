// Package proctree stops a process together with every descendant it forked.
package proctree

import (
	"errors"
	"log/slog"
	"sort"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Table answers parent/child questions about the live process table.
type Table interface {
	// Children returns the pids whose parent is pid.
	Children(pid int) ([]int, error)
}

// Signaler delivers a signal to one pid.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

type SignalerFunc func(pid int, sig syscall.Signal) error

func (f SignalerFunc) Signal(pid int, sig syscall.Signal) error { return f(pid, sig) }

type killSignaler struct{}

func (killSignaler) Signal(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) }

// GopsutilTable reads the process table through gopsutil. Every call takes a
// fresh snapshot, so children forked while a stop is in progress are seen by
// the next lookup.
type GopsutilTable struct{}

func (GopsutilTable) Children(pid int) ([]int, error) {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	var out []int
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		if int(ppid) == pid && int(p.Pid) != pid {
			out = append(out, int(p.Pid))
		}
	}
	sort.Ints(out)
	return out, nil
}

// Terminator kills process trees with SIGKILL.
type Terminator struct {
	table  Table
	sig    Signaler
	logger *slog.Logger
}

func New(logger *slog.Logger) *Terminator {
	return NewWith(GopsutilTable{}, nil, logger)
}

// NewWith builds a Terminator over a custom table and signaler. A nil
// signaler sends real signals.
func NewWith(table Table, sig Signaler, logger *slog.Logger) *Terminator {
	if table == nil {
		table = GopsutilTable{}
	}
	if sig == nil {
		sig = killSignaler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminator{table: table, sig: sig, logger: logger}
}

// Stop kills pid. When recursive is set every descendant is killed first,
// depth-first, so pid itself is the last to go. Each pid is signaled at most
// once. It returns the pids signaled in order. Signal failures are logged at
// debug level and otherwise ignored.
func (t *Terminator) Stop(pid int, recursive bool) []int {
	if pid <= 0 {
		return nil
	}
	var order []int
	visited := make(map[int]bool)
	t.stop(pid, recursive, visited, &order)
	return order
}

func (t *Terminator) stop(pid int, recursive bool, visited map[int]bool, order *[]int) {
	if visited[pid] {
		return
	}
	visited[pid] = true
	if recursive {
		children, err := t.table.Children(pid)
		if err != nil {
			t.logger.Debug("list children failed", "pid", pid, "error", err)
		}
		for _, c := range children {
			t.stop(c, true, visited, order)
		}
	}
	if err := t.sig.Signal(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
			t.logger.Debug("kill skipped", "pid", pid, "error", err)
		} else {
			t.logger.Debug("kill failed", "pid", pid, "error", err)
		}
	}
	*order = append(*order, pid)
}

// Descendants lists every descendant of pid, parents before children.
func (t *Terminator) Descendants(pid int) []int {
	if pid <= 0 {
		return nil
	}
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := t.table.Children(cur)
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}
