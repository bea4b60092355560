package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventStop      EventType = "stop"
	EventReclaim   EventType = "reclaim" // instance found dead and forgotten
	EventInterrupt EventType = "interrupt"
)

// Stop reasons carried by EventStop.
const (
	ReasonMaxLife = "max_life"
	ReasonReload  = "reload"
	ReasonManual  = "manual"
)

// Record identifies one supervised instance.
type Record struct {
	TaskID    string    `json:"task_id"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
	Reason     string    `json:"reason,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends every event to all of its sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
