// Package capability gives UI code typed entry points for every worker
// action. Each method shapes a payload and hands it to an Invoker; none of
// them start processes or interpret the worker's data beyond decoding it.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

// Invoker runs one action. *bridge.Bridge satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, action string, payload map[string]any) outcome.Outcome
}

// Client groups the capabilities over a single Invoker.
type Client struct {
	inv    Invoker
	events events.Publisher
	logger *slog.Logger
}

// New creates a Client. pub may be nil, in which case user-triggered syncs
// do not notify listeners.
func New(inv Invoker, pub events.Publisher) *Client {
	return &Client{
		inv:    inv,
		events: pub,
		logger: log.WithComponent("capability"),
	}
}

func (c *Client) call(ctx context.Context, a action.Action, payload any) outcome.Outcome {
	m, err := toPayload(payload)
	if err != nil {
		return outcome.ValidationFailure(fmt.Sprintf("invalid payload: %v", err))
	}
	return c.inv.Invoke(ctx, string(a), m)
}

// toPayload flattens a tagged struct into the map the bridge encodes.
// Numbers survive as json.Number.
func toPayload(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("payload must encode as a JSON object: %w", err)
	}
	return m, nil
}

// Decode unmarshals a successful outcome's value into T. It fails for any
// non-success outcome, carrying the outcome's message.
func Decode[T any](out outcome.Outcome) (T, error) {
	var v T
	if !out.OK() {
		return v, fmt.Errorf("%s: %s", out.Kind, out.Message)
	}
	if len(out.Value) == 0 || string(out.Value) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(out.Value, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}
