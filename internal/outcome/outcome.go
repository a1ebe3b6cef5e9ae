// Package outcome turns what a worker process did into exactly one
// caller-visible result.
package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/procbridge/internal/protocol"
)

// Kind tags an Outcome.
type Kind string

const (
	KindSuccess            Kind = "success"
	KindApplicationFailure Kind = "application_failure"
	KindTransportFailure   Kind = "transport_failure"
	KindTimeout            Kind = "timeout"
	KindValidationFailure  Kind = "validation_failure"
)

// Messages shown to callers. Worker stderr never appears in Message.
const (
	MsgInvalidAction     = "Invalid action"
	MsgUnknownError      = "Unknown error"
	MsgUnparseable       = "unparseable response"
	MsgTimeout           = "worker timed out"
	MsgShuttingDown      = "bridge shutting down"
	MsgWorkerUnavailable = "worker could not be started"
)

// Outcome is the terminal result of one invocation.
type Outcome struct {
	Kind    Kind
	Message string
	// Value is the success payload: the envelope's "data" field when present,
	// otherwise the envelope without its "success" key.
	Value json.RawMessage
	// Details is the worker's "details" on application failures, or
	// diagnostics (stderr, raw stdout, exit code) on transport failures.
	Details json.RawMessage
}

// OK reports whether o is a Success.
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

func (o Outcome) String() string {
	if o.Message == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Message)
}

// Success wraps a worker result value.
func Success(value json.RawMessage) Outcome {
	return Outcome{Kind: KindSuccess, Value: value}
}

// ApplicationFailure is a worker that completed and said no.
func ApplicationFailure(message string, details json.RawMessage) Outcome {
	if strings.TrimSpace(message) == "" {
		message = MsgUnknownError
	}
	return Outcome{Kind: KindApplicationFailure, Message: message, Details: details}
}

// TransportFailure covers spawn errors, crashes and undecodable output.
func TransportFailure(message string, details json.RawMessage) Outcome {
	return Outcome{Kind: KindTransportFailure, Message: message, Details: details}
}

// Timeout is a worker that exceeded its ceiling and was killed.
func Timeout(message string) Outcome {
	if message == "" {
		message = MsgTimeout
	}
	return Outcome{Kind: KindTimeout, Message: message}
}

// ValidationFailure is a call rejected before any process was started.
func ValidationFailure(message string) Outcome {
	return Outcome{Kind: KindValidationFailure, Message: message}
}

// Diagnostics is attached as Details to transport failures.
type Diagnostics struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Decode   string `json:"decode,omitempty"`
	// StdoutTruncated means only the tail of stdout was kept, so a long
	// result line may have been cut.
	StdoutTruncated bool `json:"stdout_truncated,omitempty"`
}

func (d Diagnostics) raw() json.RawMessage {
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}

// Input is everything the classifier looks at.
type Input struct {
	// StartErr is set when the worker process never ran.
	StartErr error
	ExitCode int
	TimedOut bool
	// Canceled is set when the bridge stopped the worker during shutdown.
	Canceled  bool
	Decoded   json.RawMessage
	DecodeErr error
	Stdout    string
	Stderr    string
	// StdoutTruncated is set when stdout exceeded the capture limit.
	StdoutTruncated bool
}

// Classify applies, in order: timeout, non-zero exit, decode failure,
// missing boolean success, success true, success false. A non-zero exit wins
// over any JSON the worker managed to print, and a timeout wins over both.
// A worker that never started, or was stopped by shutdown, never produced a
// result and is a transport failure.
func Classify(in Input) Outcome {
	if in.StartErr != nil {
		diag := Diagnostics{ExitCode: -1, Error: in.StartErr.Error()}
		return TransportFailure(MsgWorkerUnavailable, diag.raw())
	}

	if in.TimedOut {
		return Timeout("")
	}

	if in.Canceled {
		return TransportFailure(MsgShuttingDown, nil)
	}

	if in.ExitCode != 0 {
		diag := Diagnostics{ExitCode: in.ExitCode, Stderr: in.Stderr, Stdout: in.Stdout, StdoutTruncated: in.StdoutTruncated}
		return TransportFailure(fmt.Sprintf("worker exited with code %d", in.ExitCode), diag.raw())
	}

	if in.DecodeErr != nil || in.Decoded == nil {
		diag := Diagnostics{Stderr: in.Stderr, Stdout: in.Stdout, StdoutTruncated: in.StdoutTruncated}
		var decErr *protocol.DecodeError
		if errors.As(in.DecodeErr, &decErr) {
			diag.Decode = decErr.Kind.String()
		}
		return TransportFailure(MsgUnparseable, diag.raw())
	}

	env := protocol.ReadEnvelope(in.Decoded)
	if env.Success == nil {
		return ApplicationFailure(env.Error, env.Details)
	}
	if *env.Success {
		return Success(successValue(env))
	}
	return ApplicationFailure(env.Error, env.Details)
}

func successValue(env protocol.Envelope) json.RawMessage {
	if env.Data != nil {
		return env.Data
	}
	rest := make(map[string]json.RawMessage, len(env.Fields))
	for k, v := range env.Fields {
		if k == "success" {
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		return nil
	}
	b, err := json.Marshal(rest)
	if err != nil {
		return nil
	}
	return b
}
