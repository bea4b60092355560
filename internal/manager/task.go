package manager

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/loykin/spawnd/internal/logger"
	"github.com/loykin/spawnd/internal/process"
)

// ReloadPolicy decides what happens at startup to instances recovered from
// PID files.
type ReloadPolicy string

const (
	ReloadNone   ReloadPolicy = "none"   // keep them running
	ReloadParent ReloadPolicy = "parent" // kill each instance, leave its descendants
	ReloadAll    ReloadPolicy = "all"    // kill each instance and its descendants
)

// Known reports whether p is a recognized policy. Empty means none.
func (p ReloadPolicy) Known() bool {
	switch p {
	case "", ReloadNone, ReloadParent, ReloadAll:
		return true
	}
	return false
}

var ErrInvalidTask = errors.New("invalid task definition")

// task ids become part of PID file names.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// TaskDefinition declares one supervised task. It is immutable for the
// lifetime of a Supervisor.
type TaskDefinition struct {
	ID         string
	MaxThreads int
	MaxLife    time.Duration // zero disables eviction
	Priority   *int
	Reload     ReloadPolicy
	Body       process.Body
	WorkDir    string
	Env        []string
	Log        logger.FileConfig
}

// Validate checks the definition. Unknown reload policies are accepted here
// and reported as a warning at startup.
func (t TaskDefinition) Validate() error {
	if !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidTask, t.ID, taskIDPattern)
	}
	if t.MaxThreads < 1 {
		return fmt.Errorf("%w: task %s: max_threads must be at least 1, got %d", ErrInvalidTask, t.ID, t.MaxThreads)
	}
	if t.MaxLife < 0 {
		return fmt.Errorf("%w: task %s: max_life must not be negative", ErrInvalidTask, t.ID)
	}
	if err := t.Body.Validate(); err != nil {
		return fmt.Errorf("%w: task %s: %w", ErrInvalidTask, t.ID, err)
	}
	if !t.Body.HasPID() {
		return fmt.Errorf("%w: task %s: %s body does not run in its own process", ErrInvalidTask, t.ID, t.Body.Kind)
	}
	return nil
}
