package outcome

import "encoding/json"

// Response is the shape handed to the UI. It mirrors the worker's own stdout
// contract so callers need no translation layer; Outcome adds the tag so a
// caller can tell a timeout from a crash.
type Response struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Outcome      Kind            `json:"outcome"`
	InvocationID string          `json:"invocation_id,omitempty"`
}

// Response renders o for the UI.
func (o Outcome) Response() Response {
	if o.Kind == KindSuccess {
		return Response{Success: true, Data: o.Value, Outcome: o.Kind}
	}
	return Response{
		Success: false,
		Error:   o.Message,
		Details: o.Details,
		Outcome: o.Kind,
	}
}
