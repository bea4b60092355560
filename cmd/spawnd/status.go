package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/spawnd"
	"github.com/loykin/spawnd/internal/detector"
	"github.com/loykin/spawnd/internal/logger"
	"github.com/loykin/spawnd/internal/proctree"
)

// instanceStatus is one PID file as seen by the status command.
type instanceStatus struct {
	Task       string    `json:"task"`
	Slot       int       `json:"slot"`
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	StartedAt  time.Time `json:"started_at"`
	AgeSeconds int64     `json:"age_seconds"`
}

func runStatus(out io.Writer, flags StatusFlags) error {
	if flags.APIUrl != "" {
		result, err := NewAPIClient(flags.APIUrl, flags.APITimeout).GetStatus(flags.Task)
		if err != nil {
			return err
		}
		return printJSON(out, result)
	}

	cfg, err := spawnd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	tasks := cfg.Tasks
	if flags.Task != "" {
		t, ok := cfg.Task(flags.Task)
		if !ok {
			return fmt.Errorf("unknown task %q", flags.Task)
		}
		tasks = []spawnd.TaskDefinition{t}
	}

	store := cfg.Store()
	now := time.Now()
	var rows []instanceStatus
	for _, t := range tasks {
		entries, err := store.List(t.ID, t.MaxThreads)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		for _, e := range entries {
			alive, _ := detector.PIDFileDetector{Store: store, Task: t.ID, Slot: e.Slot}.Alive()
			rows = append(rows, instanceStatus{
				Task:       t.ID,
				Slot:       e.Slot,
				PID:        e.PID,
				Alive:      alive,
				StartedAt:  e.ModTime,
				AgeSeconds: int64(now.Sub(e.ModTime).Seconds()),
			})
		}
	}

	if flags.JSON {
		if rows == nil {
			rows = []instanceStatus{}
		}
		return printJSON(out, rows)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TASK\tSLOT\tPID\tALIVE\tAGE")
	for _, r := range rows {
		age := (time.Duration(r.AgeSeconds) * time.Second).String()
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\n", r.Task, r.Slot, r.PID, r.Alive, age)
	}
	return tw.Flush()
}

func runStop(out io.Writer, flags StopFlags) error {
	if flags.APIUrl != "" {
		n, err := NewAPIClient(flags.APIUrl, flags.APITimeout).StopTask(flags.Task, flags.Recursive)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "stopped %d\n", n)
		return err
	}

	cfg, err := spawnd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	t, ok := cfg.Task(flags.Task)
	if !ok {
		return fmt.Errorf("unknown task %q", flags.Task)
	}
	log, closer, err := logger.New(logger.Config{Level: "warn", Path: "-"})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	store := cfg.Store()
	entries, err := store.ReadAll(t.ID, t.MaxThreads)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	term := proctree.New(log)
	stopped := 0
	for _, e := range entries {
		if alive, _ := (detector.PIDFileDetector{Store: store, Task: t.ID, Slot: e.Slot}).Alive(); alive {
			term.Stop(e.PID, flags.Recursive)
			stopped++
		}
		if err := store.Remove(t.ID, e.Slot); err != nil {
			log.Warn("failed to remove pid file", "task", t.ID, "slot", e.Slot, "error", err)
		}
	}
	_, err = fmt.Fprintf(out, "stopped %d\n", stopped)
	return err
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
