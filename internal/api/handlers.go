package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/auth"
	"github.com/mattjoyce/procbridge/internal/stats"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ActionsEnabled:   len(s.invoker.Actions()),
		EventSubscribers: s.events.Subscribers(),
		EventsDropped:    s.events.Dropped(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleInvoke handles POST /invoke.
//
// Every call that reaches the bridge answers 200 with the outcome in the
// body, including validation, application, transport and timeout failures.
// Only a request that cannot be read as {action, payload} gets a 4xx.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInvokeRequest(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.reject(rejectBadRequest)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	if action.IsAllowed(req.Action) && action.Action(req.Action).Kind() == action.KindWrite &&
		!auth.HasAnyScope(principal, auth.ScopeInvokeRW) {
		s.reject(rejectForbidden)
		s.writeError(w, http.StatusForbidden, "insufficient scope for write action")
		return
	}

	logger := s.logger.With(
		"action", req.Action,
		"principal", principal.Name,
		"request_id", middleware.GetReqID(r.Context()),
	)
	logger.Info("invoke requested")

	res := s.invoker.Call(r.Context(), req.Action, req.Payload)

	logger.Info("invoke answered",
		"invocation_id", res.ID,
		"outcome", string(res.Outcome.Kind),
		"duration_ms", res.Duration.Milliseconds(),
	)
	respondJSON(w, http.StatusOK, res.Response())
}

// decodeInvokeRequest reads {action, payload}. Numbers in the payload are
// kept as json.Number so large integers reach the worker unchanged.
func decodeInvokeRequest(body io.Reader) (InvokeRequest, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return InvokeRequest{}, err
	}

	var wire struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&wire); err != nil {
		return InvokeRequest{}, errors.New("invalid JSON body")
	}
	if wire.Action == "" {
		return InvokeRequest{}, errors.New("action is required")
	}

	req := InvokeRequest{Action: wire.Action}
	trimmed := bytes.TrimSpace(wire.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return req, nil
	}
	if trimmed[0] != '{' {
		return InvokeRequest{}, errors.New("payload must be a JSON object")
	}

	pdec := json.NewDecoder(bytes.NewReader(trimmed))
	pdec.UseNumber()
	if err := pdec.Decode(&req.Payload); err != nil {
		return InvokeRequest{}, errors.New("payload must be a JSON object")
	}
	return req, nil
}

// handleActions handles GET /actions.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	enabled := s.invoker.Actions()
	resp := ActionsResponse{Actions: make([]ActionInfo, 0, len(enabled))}
	for _, a := range enabled {
		resp.Actions = append(resp.Actions, ActionInfo{Name: string(a), Kind: string(a.Kind())})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusNotFound, "stats are not enabled")
		return
	}
	snap := s.stats.Snapshot()
	resp := StatsResponse{Actions: make([]ActionStatsView, 0, len(snap))}
	for _, st := range snap {
		resp.Actions = append(resp.Actions, statsView(st))
	}
	respondJSON(w, http.StatusOK, resp)
}

func statsView(st stats.ActionStats) ActionStatsView {
	v := ActionStatsView{
		Action:      st.Action,
		Total:       st.Total,
		InFlight:    st.InFlight,
		ByOutcome:   st.ByOutcome,
		P50Millis:   st.P50.Milliseconds(),
		P90Millis:   st.P90.Milliseconds(),
		P99Millis:   st.P99.Milliseconds(),
		MaxMillis:   st.Max.Milliseconds(),
		LastOutcome: st.LastKind,
	}
	if !st.LastAt.IsZero() {
		at := st.LastAt.UTC()
		v.LastAt = &at
	}
	return v
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.invoker.Actions()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
