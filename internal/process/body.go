package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BodyKind tells how a task body is executed.
type BodyKind int

const (
	// BodyNamed re-executes the current binary, which resolves the name in its Registry.
	BodyNamed BodyKind = iota + 1
	// BodyCommand runs an external command line.
	BodyCommand
	// BodyInline runs a Go function on a goroutine of the calling process.
	BodyInline
)

func (k BodyKind) String() string {
	switch k {
	case BodyNamed:
		return "named"
	case BodyCommand:
		return "command"
	case BodyInline:
		return "inline"
	default:
		return "unknown"
	}
}

// TaskFunc is the unit of work a task body runs. The context is canceled when
// the process running it is asked to interrupt.
type TaskFunc func(ctx context.Context) error

// Body is the work a spawned instance performs. Exactly one of Name, Command
// or Inline is meaningful, selected by Kind.
type Body struct {
	Kind    BodyKind
	Name    string
	Command string
	Inline  TaskFunc
}

var ErrInvalidBody = errors.New("invalid task body")

func NamedBody(name string) Body { return Body{Kind: BodyNamed, Name: name} }

func CommandBody(cmdline string) Body { return Body{Kind: BodyCommand, Command: cmdline} }

func InlineBody(fn TaskFunc) Body { return Body{Kind: BodyInline, Inline: fn} }

// Validate checks that the selected variant carries its payload.
func (b Body) Validate() error {
	switch b.Kind {
	case BodyNamed:
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("%w: named body requires a task name", ErrInvalidBody)
		}
	case BodyCommand:
		if strings.TrimSpace(b.Command) == "" {
			return fmt.Errorf("%w: command body requires a command", ErrInvalidBody)
		}
	case BodyInline:
		if b.Inline == nil {
			return fmt.Errorf("%w: inline body requires a function", ErrInvalidBody)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidBody, b.Kind)
	}
	return nil
}

// HasPID reports whether running the body yields an OS process.
func (b Body) HasPID() bool { return b.Kind == BodyNamed || b.Kind == BodyCommand }

func (b Body) String() string {
	switch b.Kind {
	case BodyNamed:
		return "task:" + b.Name
	case BodyCommand:
		return "cmd:" + b.Command
	case BodyInline:
		return "inline"
	default:
		return "unknown"
	}
}
