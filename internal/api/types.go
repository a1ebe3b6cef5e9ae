package api

import "time"

// InvokeRequest is the JSON body for POST /invoke.
type InvokeRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ActionInfo describes one enabled action.
type ActionInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// ActionsResponse is returned by GET /actions.
type ActionsResponse struct {
	Actions []ActionInfo `json:"actions"`
}

// ActionStatsView is one row of GET /stats.
type ActionStatsView struct {
	Action      string           `json:"action"`
	Total       int64            `json:"total"`
	InFlight    int64            `json:"in_flight"`
	ByOutcome   map[string]int64 `json:"by_outcome"`
	P50Millis   int64            `json:"p50_ms"`
	P90Millis   int64            `json:"p90_ms"`
	P99Millis   int64            `json:"p99_ms"`
	MaxMillis   int64            `json:"max_ms"`
	LastAt      *time.Time       `json:"last_at,omitempty"`
	LastOutcome string           `json:"last_outcome,omitempty"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Actions []ActionStatsView `json:"actions"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	ActionsEnabled   int    `json:"actions_enabled"`
	EventSubscribers int    `json:"event_subscribers"`
	EventsDropped    int64  `json:"events_dropped"`
}
