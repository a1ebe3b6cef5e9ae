package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/auth"
	"github.com/mattjoyce/procbridge/internal/bridge"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/metrics"
	"github.com/mattjoyce/procbridge/internal/outcome"
	"github.com/mattjoyce/procbridge/internal/stats"
)

// mockInvoker implements Invoker for testing
type mockInvoker struct {
	mu       sync.Mutex
	callFunc func(ctx context.Context, action string, payload map[string]any) bridge.Result
	calls    []string
	payloads []map[string]any
}

func (m *mockInvoker) Call(ctx context.Context, name string, payload map[string]any) bridge.Result {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	if m.callFunc != nil {
		return m.callFunc(ctx, name, payload)
	}
	if !action.IsAllowed(name) {
		return bridge.Result{ID: "inv-x", Action: name, Outcome: outcome.ValidationFailure(outcome.MsgInvalidAction)}
	}
	return bridge.Result{ID: "inv-1", Action: name, Outcome: outcome.Success(json.RawMessage(`{"ok":true}`))}
}

func (m *mockInvoker) Actions() []action.Action {
	return []action.Action{action.GetHomeData, action.LoginUser}
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

const (
	adminKey   = "test-key-123"
	readerKey  = "reader-key"
	watcherKey = "watcher-key"
)

func newTestServer(inv *mockInvoker, mutate ...func(*Config)) *Server {
	config := Config{
		Listen: "localhost:8080",
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: readerKey, Scopes: []string{auth.ScopeInvokeRO}},
			{Token: watcherKey, Scopes: []string{auth.ScopeEventsRO}},
		},
	}
	for _, m := range mutate {
		m(&config)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config, inv, events.NewHub(10), logger)
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	server := newTestServer(&mockInvoker{})

	rr := doRequest(t, server.Handler(), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.ActionsEnabled)
}

func TestHandleInvoke_Auth(t *testing.T) {
	inv := &mockInvoker{}
	h := newTestServer(inv).Handler()

	rr := doRequest(t, h, http.MethodPost, "/invoke", "", `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/invoke", "wrong", `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/invoke", watcherKey, `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	assert.Equal(t, 0, inv.callCount())
}

func TestHandleInvoke_Success(t *testing.T) {
	inv := &mockInvoker{}
	h := newTestServer(inv).Handler()

	rr := doRequest(t, h, http.MethodPost, "/invoke", adminKey,
		`{"action":"get_home_data","payload":{"user_id":12345678901234567890,"name":"a"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"data":{"ok":true},"outcome":"success","invocation_id":"inv-1"}`, rr.Body.String())

	require.Len(t, inv.payloads, 1)
	assert.Equal(t, json.Number("12345678901234567890"), inv.payloads[0]["user_id"])
	assert.Equal(t, "a", inv.payloads[0]["name"])
}

func TestHandleInvoke_FailuresAreStill200(t *testing.T) {
	tests := []struct {
		name    string
		out     outcome.Outcome
		wantOut string
	}{
		{name: "application", out: outcome.ApplicationFailure("bad input", nil), wantOut: "application_failure"},
		{name: "transport", out: outcome.TransportFailure(outcome.MsgUnparseable, nil), wantOut: "transport_failure"},
		{name: "timeout", out: outcome.Timeout(outcome.MsgTimeout), wantOut: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &mockInvoker{callFunc: func(ctx context.Context, name string, payload map[string]any) bridge.Result {
				return bridge.Result{ID: "inv-2", Outcome: tt.out}
			}}
			rr := doRequest(t, newTestServer(inv).Handler(), http.MethodPost, "/invoke", adminKey, `{"action":"get_home_data"}`)
			require.Equal(t, http.StatusOK, rr.Code)

			var resp outcome.Response
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Equal(t, outcome.Kind(tt.wantOut), resp.Outcome)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandleInvoke_UnknownActionIsValidationFailure(t *testing.T) {
	inv := &mockInvoker{}
	rr := doRequest(t, newTestServer(inv).Handler(), http.MethodPost, "/invoke", readerKey, `{"action":"drop_tables"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":false,"error":"Invalid action","outcome":"validation_failure","invocation_id":"inv-x"}`, rr.Body.String())
}

func TestHandleInvoke_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: `not json`, want: "invalid JSON body"},
		{name: "missing action", body: `{"payload":{}}`, want: "action is required"},
		{name: "payload array", body: `{"action":"get_home_data","payload":[1,2]}`, want: "payload must be a JSON object"},
		{name: "payload string", body: `{"action":"get_home_data","payload":"x"}`, want: "payload must be a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &mockInvoker{}
			rr := doRequest(t, newTestServer(inv).Handler(), http.MethodPost, "/invoke", adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
			assert.Equal(t, 0, inv.callCount())
		})
	}
}

func TestHandleInvoke_NullPayload(t *testing.T) {
	inv := &mockInvoker{}
	rr := doRequest(t, newTestServer(inv).Handler(), http.MethodPost, "/invoke", adminKey, `{"action":"get_home_data","payload":null}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, inv.payloads, 1)
	assert.Nil(t, inv.payloads[0])
}

func TestHandleInvoke_BodyTooLarge(t *testing.T) {
	inv := &mockInvoker{}
	h := newTestServer(inv, func(c *Config) { c.MaxBodyBytes = 32 }).Handler()

	body := `{"action":"get_home_data","payload":{"blob":"` + strings.Repeat("x", 100) + `"}}`
	rr := doRequest(t, h, http.MethodPost, "/invoke", adminKey, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, 0, inv.callCount())
}

func TestHandleInvoke_WriteActionNeedsRW(t *testing.T) {
	inv := &mockInvoker{}
	h := newTestServer(inv).Handler()

	rr := doRequest(t, h, http.MethodPost, "/invoke", readerKey, `{"action":"login_user","payload":{"email":"a@b"}}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, 0, inv.callCount())

	rr = doRequest(t, h, http.MethodPost, "/invoke", readerKey, `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, inv.callCount())
}

func TestHandleInvoke_RateLimit(t *testing.T) {
	inv := &mockInvoker{}
	h := newTestServer(inv, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	}).Handler()

	rr := doRequest(t, h, http.MethodPost, "/invoke", adminKey, `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/invoke", adminKey, `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// Buckets are per principal.
	rr = doRequest(t, h, http.MethodPost, "/invoke", readerKey, `{"action":"get_home_data"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, inv.callCount())
}

func TestHandleActions(t *testing.T) {
	rr := doRequest(t, newTestServer(&mockInvoker{}).Handler(), http.MethodGet, "/actions", readerKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"actions":[{"name":"get_home_data","kind":"read"},{"name":"login_user","kind":"write"}]}`, rr.Body.String())
}

func TestHandleStats(t *testing.T) {
	server := newTestServer(&mockInvoker{})
	rr := doRequest(t, server.Handler(), http.MethodGet, "/stats", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	tracker := stats.NewTracker()
	tracker.InvocationStarted("get_home_data")
	tracker.InvocationFinished("get_home_data", "success", 40*time.Millisecond)
	server.WithStats(tracker)

	rr = doRequest(t, server.Handler(), http.MethodGet, "/stats", adminKey, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "get_home_data", resp.Actions[0].Action)
	assert.Equal(t, int64(1), resp.Actions[0].Total)
	assert.Equal(t, int64(40), resp.Actions[0].MaxMillis)
	assert.Equal(t, "success", resp.Actions[0].LastOutcome)

	rr = doRequest(t, server.Handler(), http.MethodGet, "/stats", readerKey, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector()
	server := newTestServer(&mockInvoker{}).WithMetrics(collector.Handler(), collector)
	h := server.Handler()

	rr := doRequest(t, h, http.MethodPost, "/invoke", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(t, h, http.MethodGet, "/metrics", adminKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `procbridge_api_rejected_total{reason="unauthorized"} 1`)
}

func TestMetricsEndpoint_AbsentWhenDisabled(t *testing.T) {
	rr := doRequest(t, newTestServer(&mockInvoker{}).Handler(), http.MethodGet, "/metrics", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleEvents_StreamsFilteredEvents(t *testing.T) {
	server := newTestServer(&mockInvoker{})
	server.events.Publish(events.TypeInvocationStarted, map[string]any{"action": "get_home_data"})
	server.events.Publish(events.TypeDataSync, map[string]any{"success": true})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?types=data-sync", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+watcherKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var typ, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && typ != "":
				return typ, data
			}
		}
	}

	typ, data := readEvent()
	assert.Equal(t, events.TypeDataSync, typ)
	assert.JSONEq(t, `{"success":true}`, data)

	server.events.Publish(events.TypeSchedulerTick, nil)
	server.events.Publish(events.TypeDataSync, map[string]any{"n": 2})
	typ, data = readEvent()
	assert.Equal(t, events.TypeDataSync, typ)
	assert.JSONEq(t, `{"n":2}`, data)
}

func TestOpenAPIEndpoint(t *testing.T) {
	rr := doRequest(t, newTestServer(&mockInvoker{}).Handler(), http.MethodGet, "/openapi.json", readerKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, bytes.Contains(rr.Body.Bytes(), []byte(`"get_home_data"`)))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
