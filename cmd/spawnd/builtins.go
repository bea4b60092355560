package main

import (
	"context"
	"os"
	"time"

	"github.com/loykin/spawnd"
)

// EnvSleep sets how long the "sleep" builtin runs.
const EnvSleep = "SPAWND_SLEEP"

// builtins are the named task bodies compiled into the binary. Tasks refer to
// them with `task = "<name>"`.
func builtins() *spawnd.Registry {
	reg := spawnd.NewRegistry()
	reg.MustRegister("sleep", sleepTask)
	reg.MustRegister("noop", func(context.Context) error { return nil })
	return reg
}

// sleepTask idles until SPAWND_SLEEP (default one minute) elapses or the
// instance is interrupted.
func sleepTask(ctx context.Context) error {
	d := time.Minute
	if v := os.Getenv(EnvSleep); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d = parsed
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}
