package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadFlag precedes the JSON payload argument. It is always present, even
// for an empty payload.
const PayloadFlag = "--payload"

// Payload is the structured argument of one call. It is serialized as a single
// JSON object argument and must not be mutated after submission.
type Payload map[string]any

// WorkerCommand is the executable that performs actions plus any fixed leading
// arguments (for example an interpreter and a script path).
type WorkerCommand struct {
	Path string   `yaml:"path" json:"path"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

func (w WorkerCommand) String() string {
	if len(w.Args) == 0 {
		return w.Path
	}
	return fmt.Sprintf("%s %v", w.Path, w.Args)
}

// Envelope is the worker's final stdout line viewed through the fields the
// bridge understands. Unknown fields are kept in Fields.
type Envelope struct {
	// IsObject is false when the line was a JSON array or scalar.
	IsObject bool
	// Success is nil when the field is absent or not a boolean.
	Success *bool
	// Error is the "error" field when it is a string.
	Error    string
	HasError bool
	Details  json.RawMessage
	Data     json.RawMessage
	Fields   map[string]json.RawMessage
}

// ReadEnvelope interprets a decoded JSON value as a response envelope.
// It never fails: a value that is not an object yields an Envelope with
// IsObject false and no Success field.
func ReadEnvelope(raw json.RawMessage) Envelope {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Envelope{}
	}

	env := Envelope{IsObject: true, Fields: fields}
	if v, ok := fields["success"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			env.Success = &b
		}
	}
	if v, ok := fields["error"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			env.Error = s
			env.HasError = true
		}
	}
	if v, ok := fields["details"]; ok && string(v) != "null" {
		env.Details = v
	}
	if v, ok := fields["data"]; ok {
		env.Data = v
	}
	return env
}

// Result is what a worker prints as its final line. Extra holds domain fields
// that travel next to success/error (for example "user" or "banks").
type Result struct {
	Success bool
	Error   string
	Details any
	Data    any
	Extra   map[string]any
}

// MarshalJSON flattens Extra into the top-level object.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Details != nil {
		out["details"] = r.Details
	}
	if r.Data != nil {
		out["data"] = r.Data
	}
	return json.Marshal(out)
}

// OK builds a successful Result carrying data.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds an application failure Result.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
