package detector

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/loykin/spawnd/internal/pidfile"
)

// reuseSlack tolerates clock granularity between spawning a process and
// writing its pid file.
const reuseSlack = 2 * time.Second

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) {
	err := Probe(d.PID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPermitted) {
		return false, nil
	}
	return false, err
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector detects the instance recorded in one slot of a pid store.
// A process that started after its pid file was written is a reused pid and
// counts as not alive.
type PIDFileDetector struct {
	Store *pidfile.Store
	Task  string
	Slot  int
}

func (d PIDFileDetector) Alive() (bool, error) {
	e, err := d.Store.Read(d.Task, d.Slot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	alive, err := PIDDetector{PID: e.PID}.Alive()
	if err != nil || !alive {
		return false, err
	}
	if started := StartTime(e.PID); !started.IsZero() && !e.ModTime.IsZero() {
		if started.After(e.ModTime.Add(reuseSlack)) {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDFileDetector) Describe() string {
	return "pidfile:" + d.Store.Path(d.Task, d.Slot)
}
