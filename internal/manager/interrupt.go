package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/loykin/spawnd/internal/history"
	"github.com/loykin/spawnd/internal/process"
)

// interruptHistoryTimeout bounds all interrupt events together.
const interruptHistoryTimeout = time.Second

// InterruptHandler shuts the supervisor down on SIGINT: it stops the loop,
// forwards SIGINT to every tracked instance and exits non-zero without
// waiting for the children.
type InterruptHandler struct {
	Out    io.Writer
	Exit   func(code int)
	Signal func(pid int, sig syscall.Signal) error

	sup    *Supervisor
	cancel context.CancelFunc
	log    *slog.Logger
	once   sync.Once
}

func NewInterruptHandler(sup *Supervisor, cancel context.CancelFunc, logger *slog.Logger) *InterruptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterruptHandler{
		Out:    os.Stderr,
		Exit:   os.Exit,
		Signal: process.Signal,
		sup:    sup,
		cancel: cancel,
		log:    logger,
	}
}

// Handle runs the shutdown sequence. Only the first call has an effect.
// Every instance is signaled before any history is sent, and all interrupt
// events share one short deadline.
func (h *InterruptHandler) Handle() {
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		recs := h.sup.freeze()
		parts := make([]string, 0, len(recs))
		for _, r := range recs {
			parts = append(parts, fmt.Sprintf("%s (%d)", r.TaskID, r.PID))
		}
		_, _ = fmt.Fprintf(h.Out, " *** Interrupt received, killing %s ***\n", strings.Join(parts, ", "))
		h.log.Warn("interrupt received", "instances", len(recs))

		for _, r := range recs {
			if err := h.Signal(r.PID, syscall.SIGINT); err != nil {
				h.log.Debug("interrupt not delivered", "task", r.TaskID, "pid", r.PID, "error", err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), interruptHistoryTimeout)
		for _, r := range recs {
			h.sup.emitCtx(ctx, history.EventInterrupt, r, "")
		}
		cancel()
		h.Exit(1)
	})
}

// Install routes SIGINT to Handle until the returned stop func is called.
// SIGINT keeps being handled after the loop has stopped, so an interrupt
// during shutdown is not lost.
func (h *InterruptHandler) Install() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	done := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		select {
		case <-ch:
			h.Handle()
		case <-done:
		}
	}()
	return func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
