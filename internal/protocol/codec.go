package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Wire contract
//
// The host runs:
//
//	<worker> [fixed args...] <action> --payload <json-object>
//
// The worker may print any number of diagnostic lines on stdout, then exactly
// one JSON value on its own final line, then exit 0. Exit status is non-zero
// only for crashes or an invalid invocation.
//
// DecodeTrailing relies on that final-line rule. A worker that prints a JSON
// looking diagnostic after its result, or splits the result across lines,
// breaks the contract and is reported as malformed or misread.

// EncodingError reports a payload that cannot be represented as JSON.
type EncodingError struct {
	Action string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode payload for %q: %v", e.Action, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodeKind separates "nothing to decode" from "decoded garbage".
type DecodeKind int

const (
	DecodeNoData DecodeKind = iota + 1
	DecodeMalformed
)

func (k DecodeKind) String() string {
	switch k {
	case DecodeNoData:
		return "no_data"
	case DecodeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError is returned when stdout holds no usable result line. Raw is the
// full captured stdout.
type DecodeError struct {
	Kind DecodeKind
	Line string
	Raw  string
	Err  error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case DecodeNoData:
		return "worker produced no JSON result line"
	default:
		return fmt.Sprintf("worker result line is not valid JSON: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvocationError reports argv a worker cannot interpret.
type InvocationError struct {
	Reason string
}

func (e *InvocationError) Error() string { return "invalid invocation: " + e.Reason }

// EncodePayload serializes payload as one JSON object. A nil payload encodes
// as {}.
func EncodePayload(action string, payload Payload) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", &EncodingError{Action: action, Err: err}
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// EncodeArgs builds the argument vector for one invocation. Fields are never
// spliced into the command line individually; the whole payload is one
// argument.
func EncodeArgs(worker WorkerCommand, action string, payload Payload) ([]string, error) {
	if worker.Path == "" {
		return nil, errors.New("worker path is empty")
	}
	if action == "" {
		return nil, errors.New("action is empty")
	}
	encoded, err := EncodePayload(action, payload)
	if err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(worker.Args)+4)
	argv = append(argv, worker.Path)
	argv = append(argv, worker.Args...)
	argv = append(argv, action, PayloadFlag, encoded)
	return argv, nil
}

// ParseArgs is the worker-side inverse of EncodeArgs. args excludes the
// program name and any fixed leading arguments.
func ParseArgs(args []string) (string, Payload, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", nil, &InvocationError{Reason: "no action provided"}
	}
	action := args[0]
	if len(args) != 3 || args[1] != PayloadFlag {
		return action, nil, &InvocationError{Reason: fmt.Sprintf("expected %q <json>", PayloadFlag)}
	}

	var payload Payload
	if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
		return action, nil, &InvocationError{Reason: fmt.Sprintf("payload is not a JSON object: %v", err)}
	}
	if payload == nil {
		payload = Payload{}
	}
	return action, payload, nil
}

// DecodeTrailing finds the worker's result on stdout. It scans lines from the
// end and parses the first one whose trimmed text starts with '{' or '['.
// Earlier lines are treated as diagnostics.
func DecodeTrailing(stdout []byte) (json.RawMessage, error) {
	lines := strings.Split(string(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || (line[0] != '{' && line[0] != '[') {
			continue
		}

		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, &DecodeError{Kind: DecodeMalformed, Line: line, Raw: string(stdout), Err: err}
		}
		return json.RawMessage(line), nil
	}
	return nil, &DecodeError{Kind: DecodeNoData, Raw: string(stdout)}
}

// WriteResult prints v as one JSON line. Workers call it exactly once, last.
func WriteResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}
