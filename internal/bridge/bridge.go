// Package bridge is the single entry point UI capabilities use to run an
// action in the worker program.
//
// A Bridge validates the action, encodes the payload into an argument
// vector, runs one worker process, decodes its trailing JSON line and
// classifies the result. Every call ends with exactly one Outcome; the
// bridge never retries.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/dispatch"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/outcome"
	"github.com/mattjoyce/procbridge/internal/protocol"
)

// Runner starts one worker process and waits for it to be reaped.
type Runner interface {
	Run(ctx context.Context, spec dispatch.Spec) dispatch.RawOutput
}

// Observer is told about every invocation that reaches a worker.
type Observer interface {
	InvocationStarted(action string)
	InvocationFinished(action, outcome string, d time.Duration)
}

// Options configures a Bridge.
type Options struct {
	Worker   protocol.WorkerCommand
	Registry *action.Registry
	Runner   Runner

	// Timeout is the per-call ceiling; ActionTimeouts overrides it per action.
	Timeout        time.Duration
	ActionTimeouts map[string]time.Duration

	Events    events.Publisher
	Observers []Observer
	Logger    *slog.Logger

	// NewID generates invocation IDs. Defaults to UUIDv4.
	NewID func() string
}

// Result is an Outcome plus what the bridge knows about the call.
type Result struct {
	ID       string
	Action   string
	Outcome  outcome.Outcome
	PID      int
	Duration time.Duration
	States   []State
}

// Response renders the result for the UI, tagged with the invocation ID.
func (r Result) Response() outcome.Response {
	resp := r.Outcome.Response()
	resp.InvocationID = r.ID
	return resp
}

// Bridge runs actions in worker processes. Construct one with New and share
// it; it holds no per-call state.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	// ctx bounds every worker; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Worker.Path == "" {
		return nil, errors.New("bridge: worker path is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("bridge: runner is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = dispatch.DefaultTimeout
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Invoke runs action with payload and returns its Outcome.
//
// Cancelling ctx does not stop the worker: a call ends when the worker
// exits, its timeout fires, or the Bridge is closed.
func (b *Bridge) Invoke(ctx context.Context, name string, payload map[string]any) outcome.Outcome {
	return b.Call(ctx, name, payload).Outcome
}

// Call is Invoke with the invocation's ID, PID, duration and state trace.
func (b *Bridge) Call(ctx context.Context, name string, payload map[string]any) Result {
	inv := &invocation{
		id:     b.opts.NewID(),
		action: name,
		start:  time.Now(),
		state:  StateCreated,
		trace:  []State{StateCreated},
	}
	inv.logger = b.logger.With("invocation_id", inv.id, "action", name)

	if !b.opts.Registry.IsAllowed(name) {
		inv.logger.Warn("rejected invocation", "reason", "action not allowed")
		return b.deliver(inv, outcome.ValidationFailure(outcome.MsgInvalidAction))
	}

	argv, err := protocol.EncodeArgs(b.opts.Worker, name, protocol.Payload(payload))
	if err != nil {
		inv.logger.Warn("rejected invocation", "reason", "payload not encodable", "error", err)
		return b.deliver(inv, outcome.ValidationFailure(fmt.Sprintf("invalid payload: %v", err)))
	}

	if !b.enter() {
		return b.deliver(inv, outcome.TransportFailure(outcome.MsgShuttingDown, nil))
	}
	defer b.wg.Done()

	return b.run(inv, argv)
}

func (b *Bridge) run(inv *invocation, argv []string) Result {
	timeout := b.timeoutFor(inv.action)
	inv.advance(StateSpawned)
	inv.logger.Info("invocation started", "timeout", timeout, "payload_bytes", len(argv[len(argv)-1]))

	for _, o := range b.opts.Observers {
		o.InvocationStarted(inv.action)
	}

	raw := b.opts.Runner.Run(b.ctx, dispatch.Spec{
		ID:      inv.id,
		Argv:    argv,
		Timeout: timeout,
		OnStart: func(pid int) {
			inv.pid = pid
			inv.advance(StateRunning)
			b.publish(events.TypeInvocationStarted, map[string]any{
				"invocation_id": inv.id,
				"action":        inv.action,
				"pid":           pid,
			})
		},
	})

	switch {
	case raw.StartErr != nil:
		inv.advance(StateSpawnFailed)
		inv.logger.Error("worker failed to start", "error", raw.StartErr)
	case raw.TimedOut:
		inv.advance(StateTimedOut)
	default:
		inv.advance(StateExited)
	}

	in := outcome.Input{
		StartErr: raw.StartErr,
		ExitCode: raw.ExitCode,
		TimedOut: raw.TimedOut,
		Canceled: raw.Canceled,
		Stdout:   string(raw.Stdout),
		Stderr:   raw.Stderr,

		StdoutTruncated: raw.StdoutTruncated,
	}
	if raw.StartErr == nil {
		in.Decoded, in.DecodeErr = protocol.DecodeTrailing(raw.Stdout)
	}
	inv.advance(StateDecoded)

	if raw.Stderr != "" {
		inv.logger.Debug("worker stderr", "stderr", raw.Stderr, "truncated", raw.StderrTruncated)
	}

	res := b.deliver(inv, outcome.Classify(in))
	for _, o := range b.opts.Observers {
		o.InvocationFinished(inv.action, string(res.Outcome.Kind), res.Duration)
	}
	return res
}

// deliver moves inv through Classified to Delivered and builds the Result.
func (b *Bridge) deliver(inv *invocation, out outcome.Outcome) Result {
	inv.advance(StateClassified)
	inv.advance(StateDelivered)

	res := Result{
		ID:       inv.id,
		Action:   inv.action,
		Outcome:  out,
		PID:      inv.pid,
		Duration: time.Since(inv.start),
		States:   inv.trace,
	}

	attrs := []any{"outcome", string(out.Kind), "duration", res.Duration}
	switch out.Kind {
	case outcome.KindSuccess:
		inv.logger.Info("invocation completed", attrs...)
	case outcome.KindApplicationFailure, outcome.KindValidationFailure:
		inv.logger.Info("invocation completed", append(attrs, "error", out.Message)...)
	default:
		inv.logger.Warn("invocation failed", append(attrs, "error", out.Message)...)
	}

	b.publish(events.TypeInvocationCompleted, map[string]any{
		"invocation_id": inv.id,
		"action":        inv.action,
		"outcome":       out.Kind,
		"message":       out.Message,
		"duration_ms":   res.Duration.Milliseconds(),
	})
	return res
}

func (b *Bridge) timeoutFor(name string) time.Duration {
	if d, ok := b.opts.ActionTimeouts[name]; ok && d > 0 {
		return d
	}
	return b.opts.Timeout
}

func (b *Bridge) publish(eventType string, data any) {
	if b.opts.Events != nil {
		b.opts.Events.Publish(eventType, data)
	}
}

// enter registers an in-flight call unless the bridge is closed.
func (b *Bridge) enter() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

// Close stops accepting calls, terminates running workers, and waits for
// their outcomes to be delivered or for ctx to end.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge close: %w", ctx.Err())
	}
}

// Actions lists the actions this bridge will accept.
func (b *Bridge) Actions() []action.Action {
	return b.opts.Registry.Enabled()
}

// invocation is the per-call state. It is owned by one goroutine except for
// the OnStart callback, which runs synchronously inside Runner.Run.
type invocation struct {
	id     string
	action string
	start  time.Time
	pid    int
	state  State
	trace  []State
	logger *slog.Logger
}

func (inv *invocation) advance(to State) {
	if !canTransition(inv.state, to) {
		// A bug in the bridge, never caused by a worker.
		inv.logger.Error("illegal invocation transition", "from", inv.state, "to", to)
	}
	inv.logger.Debug("invocation state", "from", inv.state, "to", to)
	inv.state = to
	inv.trace = append(inv.trace, to)
}
