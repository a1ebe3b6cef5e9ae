// Package workerkit helps Go programs act as bridge workers.
//
// A worker is invoked as `<program> <action> --payload <json>`. It may write
// anything to stderr and any number of diagnostic lines to stdout, but its
// last stdout line must be the JSON result. Exit codes:
//
//	0  the action ran to completion, whether it succeeded or not
//	1  the worker crashed (panic or failed setup)
//	2  the invocation itself was malformed
package workerkit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"syscall"

	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/protocol"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitCrash      = 1
	ExitInvocation = 2
)

// Handler performs one action. The logger writes to stderr.
type Handler func(ctx context.Context, payload protocol.Payload, logger *slog.Logger) protocol.Result

// Worker routes actions to handlers.
type Worker struct {
	handlers map[string]Handler
	setup    func(ctx context.Context) error
	teardown func()

	stdout io.Writer
	stderr io.Writer
	level  string
}

// New creates a Worker that writes to the process's stdout and stderr.
func New() *Worker {
	return &Worker{
		handlers: make(map[string]Handler),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		level:    "DEBUG",
	}
}

// Handle registers h for action. Registering an action twice panics.
func (w *Worker) Handle(action string, h Handler) *Worker {
	if _, dup := w.handlers[action]; dup {
		panic(fmt.Sprintf("workerkit: duplicate handler for %q", action))
	}
	w.handlers[action] = h
	return w
}

// Setup runs fn before the handler, after the invocation has been parsed.
// Its error is reported as a crash.
func (w *Worker) Setup(fn func(ctx context.Context) error) *Worker {
	w.setup = fn
	return w
}

// Teardown runs fn after the handler returns, even if it panicked.
func (w *Worker) Teardown(fn func()) *Worker {
	w.teardown = fn
	return w
}

// WithOutput redirects stdout and stderr. Used by tests.
func (w *Worker) WithOutput(stdout, stderr io.Writer) *Worker {
	w.stdout = stdout
	w.stderr = stderr
	return w
}

// WithLogLevel sets the stderr log level (default DEBUG).
func (w *Worker) WithLogLevel(level string) *Worker {
	w.level = level
	return w
}

// Actions lists the registered actions sorted by name.
func (w *Worker) Actions() []string {
	out := make([]string, 0, len(w.handlers))
	for a := range w.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Run handles one invocation. args excludes the program name. It always
// writes exactly one result line and returns the process exit code.
func (w *Worker) Run(ctx context.Context, args []string) (code int) {
	logger := log.New(w.stderr, w.level, "text")

	action, payload, err := protocol.ParseArgs(args)
	if err != nil {
		logger.Error("invalid invocation", "error", err)
		w.write(logger, protocol.Fail("%v", err))
		return ExitInvocation
	}
	logger = logger.With("action", action)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "panic", r, "stack", string(debug.Stack()))
			w.write(logger, protocol.Fail("worker error: %v", r))
			code = ExitCrash
		}
	}()

	if w.teardown != nil {
		defer w.teardown()
	}

	h, ok := w.handlers[action]
	if !ok {
		w.write(logger, protocol.Fail("Unknown action: %s", action))
		return ExitOK
	}

	if w.setup != nil {
		if err := w.setup(ctx); err != nil {
			logger.Error("worker setup failed", "error", err)
			w.write(logger, protocol.Fail("Failed to initialize: %v", err))
			return ExitCrash
		}
	}

	logger.Debug("handling action", "payload_keys", len(payload))
	w.write(logger, h(ctx, payload, logger))
	return ExitOK
}

func (w *Worker) write(logger *slog.Logger, res protocol.Result) {
	if err := protocol.WriteResult(w.stdout, res); err != nil {
		logger.Error("failed to write result", "error", err)
	}
}

// Main runs w against os.Args and exits. SIGTERM cancels the handler's
// context so it can stop before the bridge escalates to SIGKILL.
func Main(w *Worker) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	code := w.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
