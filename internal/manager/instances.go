package manager

import (
	"sync"
	"time"
)

// InstanceRecord is one tracked instance of a task.
type InstanceRecord struct {
	TaskID    string    `json:"task_id"`
	Slot      int       `json:"slot"` // 0 when the PID file could not be written
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Age is how long the instance has been running as of now.
func (r InstanceRecord) Age(now time.Time) time.Duration { return now.Sub(r.StartedAt) }

// instanceTable holds the records per task. Ticks may overlap and the
// interrupt handler reads it from a signal goroutine.
type instanceTable struct {
	mu     sync.Mutex
	byTask map[string][]InstanceRecord
}

func newInstanceTable() *instanceTable {
	return &instanceTable{byTask: make(map[string][]InstanceRecord)}
}

// add tracks r unless its (task, pid) pair is already tracked.
func (t *instanceTable) add(r InstanceRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.byTask[r.TaskID] {
		if cur.PID == r.PID {
			return false
		}
	}
	t.byTask[r.TaskID] = append(t.byTask[r.TaskID], r)
	return true
}

func (t *instanceTable) remove(task string, pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.byTask[task]
	for i, r := range recs {
		if r.PID == pid {
			t.byTask[task] = append(recs[:i:i], recs[i+1:]...)
			return true
		}
	}
	return false
}

func (t *instanceTable) list(task string) []InstanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]InstanceRecord(nil), t.byTask[task]...)
}

func (t *instanceTable) count(task string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTask[task])
}
