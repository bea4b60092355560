package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// Environment variables that switch a re-executed binary into child mode.
const (
	EnvChildTask     = "SPAWND_CHILD_TASK"
	EnvChildID       = "SPAWND_CHILD_ID"
	EnvChildPriority = "SPAWND_CHILD_PRIORITY"
)

var ErrNoPID = errors.New("body does not run in its own process")

// SpawnRequest describes one instance to start.
type SpawnRequest struct {
	TaskID   string
	Body     Body
	Priority *int
	WorkDir  string
	Env      []string // complete environment; nil inherits the supervisor's
	Stdout   io.Writer
	Stderr   io.Writer
}

// Spawner starts task bodies as detached OS processes.
type Spawner struct {
	// Executable is re-executed for named bodies. Defaults to os.Executable().
	Executable string
	// Args are passed to the re-executed binary before anything else.
	Args   []string
	Logger *slog.Logger
}

// Spawn starts the body described by req and returns its detached handle.
// Priority, when set, is applied to the new pid right after start; failing to
// apply it is logged and does not fail the spawn.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Body.Validate(); err != nil {
		return nil, err
	}
	if !req.Body.HasPID() {
		return nil, fmt.Errorf("%s: %w", req.Body, ErrNoPID)
	}
	cmd, err := s.command(req)
	if err != nil {
		return nil, err
	}
	var devnull *os.File
	if req.Stdout == nil || req.Stderr == nil {
		devnull, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	cmd.Stdout = writerOr(req.Stdout, devnull)
	cmd.Stderr = writerOr(req.Stderr, devnull)
	configureSysProcAttr(cmd)

	err = cmd.Start()
	if devnull != nil {
		_ = devnull.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Body, err)
	}
	h := detach(cmd)
	if req.Priority != nil {
		if err := setPriority(h.PID(), *req.Priority); err != nil {
			s.logger().Warn("failed to set process priority",
				"task", req.TaskID, "pid", h.PID(), "priority", *req.Priority, "error", err)
		}
	}
	return h, nil
}

func (s *Spawner) command(req SpawnRequest) (*exec.Cmd, error) {
	env := req.Env
	if env == nil {
		env = os.Environ()
	}
	var cmd *exec.Cmd
	switch req.Body.Kind {
	case BodyCommand:
		cmd = BuildCommand(req.Body.Command)
		cmd.Env = append([]string(nil), env...)
	case BodyNamed:
		exe := s.Executable
		if exe == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve executable: %w", err)
			}
			exe = self
		}
		// #nosec G204
		cmd = exec.Command(exe, s.Args...)
		cmd.Env = append(append([]string(nil), env...),
			EnvChildTask+"="+req.Body.Name,
			EnvChildID+"="+req.TaskID,
		)
		if req.Priority != nil {
			cmd.Env = append(cmd.Env, EnvChildPriority+"="+strconv.Itoa(*req.Priority))
		}
	}
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	return cmd, nil
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func writerOr(w io.Writer, f *os.File) io.Writer {
	if w != nil {
		return w
	}
	return f
}
