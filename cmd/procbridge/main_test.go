package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procbridge/internal/config"
	"github.com/mattjoyce/procbridge/internal/lock"
	"github.com/mattjoyce/procbridge/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// testWorker answers by action name. $3 is the payload JSON.
const testWorker = `#!/bin/sh
case "$1" in
  init_db_check)
    echo '{"success":true,"data":{"ready":true}}' ;;
  get_home_data)
    echo "loading home data" >&2
    echo "progress: 1/1"
    echo '{"success":true,"data":{"payload":'"$3"'}}' ;;
  add_bank)
    echo '{"success":false,"error":"Bank already exists"}' ;;
  *)
    echo '{"success":false,"error":"Unknown action: '"$1"'"}' ;;
esac
`

// writeConfigFixture writes a worker script and a config beside it. extra is
// appended to the YAML verbatim.
func writeConfigFixture(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(testWorker), 0o755); err != nil {
		t.Fatal(err)
	}
	configYAML := `
service:
  log_level: error
worker:
  command: ["./worker.sh"]
  timeout: 5s
  kill_grace: 100ms
scheduler:
  enabled: false
` + extra
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

type responseJSON struct {
	InvocationID string          `json:"invocation_id"`
	Outcome      string          `json:"outcome"`
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data"`
	Error        string          `json:"error"`
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "procbridge 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "frobnicate")
}

func TestRunCLIHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"serve", "invoke", "actions", "doctor", "status", "watch"} {
		assert.Contains(t, stdout, cmd)
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "null", raw: "null", want: nil},
		{name: "object keeps numbers exact", raw: `{"bank_id": 9007199254740993}`, want: map[string]any{"bank_id": json.Number("9007199254740993")}},
		{name: "array", raw: `[1]`, wantErr: "payload must be a JSON object"},
		{name: "string", raw: `"x"`, wantErr: "payload must be a JSON object"},
		{name: "broken", raw: `{"a":`, wantErr: "invalid JSON"},
		{name: "trailing data", raw: `{} {}`, wantErr: "unexpected data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunInvokeSuccess(t *testing.T) {
	configPath := writeConfigFixture(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runInvoke([]string{"get_home_data", "--config", configPath, "--payload", `{"month":"2024-05"}`})
	})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var resp responseJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	assert.True(t, resp.Success)
	assert.Equal(t, "success", resp.Outcome)
	assert.NotEmpty(t, resp.InvocationID)
	assert.JSONEq(t, `{"payload":{"month":"2024-05"}}`, string(resp.Data))
}

func TestRunInvokeFlagsBeforeAction(t *testing.T) {
	configPath := writeConfigFixture(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runInvoke([]string{"--config", configPath, "init_db_check"})
	})
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"ready": true`)
}

func TestRunInvokeFailures(t *testing.T) {
	configPath := writeConfigFixture(t, "actions:\n  disabled: [delete_bank]\n")

	tests := []struct {
		name        string
		action      string
		wantOutcome string
		wantError   string
	}{
		{name: "worker refuses", action: "add_bank", wantOutcome: "application_failure", wantError: "Bank already exists"},
		{name: "unknown action never spawns", action: "drop_tables", wantOutcome: "validation_failure", wantError: "Invalid action"},
		{name: "disabled action", action: "delete_bank", wantOutcome: "validation_failure", wantError: "Invalid action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int {
				return runInvoke([]string{tt.action, "--config", configPath})
			})
			assert.Equal(t, 1, code)

			var resp responseJSON
			require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantOutcome, resp.Outcome)
			assert.Contains(t, resp.Error, tt.wantError)
		})
	}
}

func TestRunInvokeRejectsBadInput(t *testing.T) {
	configPath := writeConfigFixture(t, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runInvoke([]string{"add_bank", "--config", configPath, "--payload", `[1,2]`})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "payload must be a JSON object")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runInvoke([]string{"--config", configPath})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: procbridge invoke")
}

func TestRunActionsJSON(t *testing.T) {
	configPath := writeConfigFixture(t, "actions:\n  disabled: [google_auth]\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runActions([]string{"--config", configPath, "--json"})
	})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var out struct {
		Actions []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	kinds := map[string]string{}
	for _, a := range out.Actions {
		kinds[a.Name] = a.Kind
	}
	assert.NotContains(t, kinds, "google_auth")
	assert.Equal(t, "read", kinds["get_home_data"])
	assert.Equal(t, "write", kinds["add_bank"])
}

func TestRunDoctorProbeJSON(t *testing.T) {
	configPath := writeConfigFixture(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath, "--probe", "--json"})
	})
	require.Equal(t, 0, code, "stdout: %s\nstderr: %s", stdout, stderr)

	var out struct {
		Valid  bool `json:"valid"`
		Worker struct {
			Probe string `json:"probe"`
		} `json:"worker"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out), stdout)
	assert.True(t, out.Valid)
	assert.Equal(t, "success", out.Worker.Probe)
}

func TestRunDoctorLoadFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("worker:\n  command: []\n"), 0o644))

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--config", configPath})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Load error")
}

type statusJSON struct {
	Healthy bool `json:"healthy"`
	Running bool `json:"running"`
	PID     int  `json:"pid"`
	Checks  []struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
	} `json:"checks"`
}

func TestRunStatusNotRunning(t *testing.T) {
	configPath := writeConfigFixture(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runStatus([]string{"--config", configPath, "--json"})
	})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var report statusJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Healthy)
	assert.False(t, report.Running)
}

func TestRunStatusDetectsActivePIDLock(t *testing.T) {
	configPath := writeConfigFixture(t, "")
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	held, err := lock.AcquirePIDLock(pidLockPath(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runStatus([]string{"--config", configPath, "--json"})
	})
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var report statusJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Running)
	assert.Equal(t, os.Getpid(), report.PID)
}

func TestRunStatusConfigLoadFailure(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runStatus([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--json"})
	})
	assert.Equal(t, 1, code)

	var report statusJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Healthy)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "config_load", report.Checks[0].Name)
	assert.False(t, report.Checks[0].OK)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeAnswersOverHTTP(t *testing.T) {
	addr := freeAddr(t)
	configPath := writeConfigFixture(t, `
api:
  enabled: true
  listen: `+addr+`
  auth:
    api_key: test-key
metrics:
  enabled: true
`)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, log.WithComponent("test")) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	do := func(method, path, body string) (int, string) {
		req, err := http.NewRequest(method, base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer test-key")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	status, body := do(http.MethodPost, "/invoke", `{"action":"get_home_data","payload":{"month":"2024-05"}}`)
	require.Equal(t, http.StatusOK, status, body)
	var resp responseJSON
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "success", resp.Outcome)

	status, body = do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "get_home_data")

	status, body = do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "procbridge_invocations_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
