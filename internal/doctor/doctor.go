// Package doctor validates procbridge configuration and worker setup.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/auth"
	"github.com/mattjoyce/procbridge/internal/config"
	"github.com/mattjoyce/procbridge/internal/outcome"
	"github.com/mattjoyce/procbridge/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Worker   *Worker `json:"worker,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Worker reports what the doctor learned about the worker program.
type Worker struct {
	Executable string `json:"executable,omitempty"`
	PinnedFile string `json:"pinned_file,omitempty"`
	Blake3     string `json:"blake3,omitempty"`
	Probe      string `json:"probe,omitempty"`
}

// Invoker is the slice of the bridge a live probe needs.
type Invoker interface {
	Invoke(ctx context.Context, action string, payload map[string]any) outcome.Outcome
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Worker: &Worker{}}

	d.validateWorker(r)
	d.validateTimeouts(r)
	d.validateActions(r)
	d.validateScheduler(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateRateLimit(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Probe invokes init_db_check through inv and records the answer. A worker
// that cannot be reached or does not confirm its database is an error.
func (d *Doctor) Probe(ctx context.Context, inv Invoker, r *Result) {
	out := inv.Invoke(ctx, string(action.InitDBCheck), nil)
	if r.Worker == nil {
		r.Worker = &Worker{}
	}
	r.Worker.Probe = string(out.Kind)
	if !out.OK() {
		d.addError(r, "probe", string(action.InitDBCheck),
			fmt.Sprintf("worker answered %s: %s", out.Kind, out.Message))
	}
	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorker checks that the worker can actually be started and matches
// its pinned checksum.
func (d *Doctor) validateWorker(r *Result) {
	w := d.cfg.Worker
	exe, err := w.ResolveExecutable()
	if err != nil {
		d.addError(r, "worker", "worker.command", err.Error())
		return
	}
	r.Worker.Executable = exe

	info, err := os.Stat(exe)
	switch {
	case err != nil:
		d.addError(r, "worker", "worker.command", fmt.Sprintf("stat %s: %v", exe, err))
	case info.IsDir():
		d.addError(r, "worker", "worker.command", fmt.Sprintf("%s is a directory", exe))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "worker", "worker.command", fmt.Sprintf("%s is not executable", exe))
	}

	if w.Dir != "" {
		if info, err := os.Stat(w.Dir); err != nil || !info.IsDir() {
			d.addError(r, "worker", "worker.dir", fmt.Sprintf("working directory %q does not exist", w.Dir))
		}
	}

	if db := w.Env[storage.DBPathEnv]; db != "" {
		if !filepath.IsAbs(db) && w.Dir != "" {
			db = filepath.Join(w.Dir, db)
		}
		var remote *storage.RemoteFilesystemError
		if err := storage.CheckLocalFilesystem(db); errors.As(err, &remote) {
			d.addWarning(r, "worker", "worker.env."+storage.DBPathEnv, err.Error())
		}
	}

	pinned, err := w.PinnedFile()
	if err != nil {
		return
	}
	r.Worker.PinnedFile = pinned
	if hash, err := config.ComputeBlake3Hash(pinned); err == nil {
		r.Worker.Blake3 = hash
	}

	if w.Checksum == "" {
		d.addWarning(r, "worker", "worker.checksum",
			fmt.Sprintf("worker is not pinned; set checksum: %s", r.Worker.Blake3))
		return
	}
	if err := w.VerifyChecksum(); err != nil {
		d.addError(r, "worker", "worker.checksum", err.Error())
	}
}

func (d *Doctor) validateTimeouts(r *Result) {
	w := d.cfg.Worker
	if w.Timeout <= 0 {
		d.addError(r, "timeouts", "worker.timeout", "timeout must be positive")
	}
	if w.KillGrace < 0 {
		d.addError(r, "timeouts", "worker.kill_grace", "kill_grace must not be negative")
	}
	for name, t := range w.ActionTimeouts {
		field := "worker.action_timeouts." + name
		if t <= 0 {
			d.addError(r, "timeouts", field, "timeout must be positive")
		}
		if !action.IsAllowed(name) {
			d.addError(r, "timeouts", field, fmt.Sprintf("unknown action %q", name))
		}
	}
	if w.KillGrace > 0 && w.Timeout > 0 && w.KillGrace >= w.Timeout {
		d.addWarning(r, "timeouts", "worker.kill_grace",
			fmt.Sprintf("kill_grace %s is not shorter than timeout %s", w.KillGrace, w.Timeout))
	}
}

func (d *Doctor) validateActions(r *Result) {
	seen := make(map[string]bool)
	for i, name := range d.cfg.Actions.Disabled {
		field := fmt.Sprintf("actions.disabled[%d]", i)
		if !action.IsAllowed(name) {
			d.addError(r, "actions", field, fmt.Sprintf("unknown action %q", name))
			continue
		}
		if seen[name] {
			d.addWarning(r, "actions", field, fmt.Sprintf("action %q listed twice", name))
		}
		seen[name] = true
		if _, ok := d.cfg.Worker.ActionTimeouts[name]; ok {
			d.addWarning(r, "actions", "worker.action_timeouts."+name,
				fmt.Sprintf("timeout configured for disabled action %q", name))
		}
	}
	if len(seen) == len(action.All()) {
		d.addError(r, "actions", "actions.disabled", "every action is disabled")
	}
}

func (d *Doctor) validateScheduler(r *Result) {
	sc := d.cfg.Scheduler
	if !sc.Enabled {
		return
	}
	interval, err := config.ParseInterval(sc.Every)
	if err != nil {
		d.addError(r, "scheduler", "scheduler.every", err.Error())
	} else {
		if interval < time.Minute {
			d.addWarning(r, "scheduler", "scheduler.every",
				fmt.Sprintf("schedule interval %q is very short (< 1m)", sc.Every))
		}
		if t := d.cfg.Worker.TimeoutFor(sc.Action); t > interval {
			d.addWarning(r, "scheduler", "scheduler.every",
				fmt.Sprintf("sync timeout %s exceeds interval %s; overlapping ticks will be skipped", t, interval))
		}
		if sc.Jitter >= interval {
			d.addWarning(r, "scheduler", "scheduler.jitter",
				fmt.Sprintf("jitter %s is not smaller than interval %s", sc.Jitter, interval))
		}
	}

	reg, err := action.NewRegistry(d.cfg.Actions.Disabled)
	if err != nil {
		return // reported by validateActions
	}
	if !action.IsAllowed(sc.Action) {
		d.addError(r, "scheduler", "scheduler.action", fmt.Sprintf("unknown action %q", sc.Action))
	} else if !reg.IsAllowed(sc.Action) {
		d.addError(r, "scheduler", "scheduler.action",
			fmt.Sprintf("action %q is disabled", sc.Action))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	} else if !loopback(api.Listen) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("listen address %q is not loopback", api.Listen))
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if d.cfg.Metrics.Enabled && !d.anyTokenHas(auth.ScopeMetricsRO) {
		d.addWarning(r, "api", "metrics.enabled",
			"metrics enabled but no token can read them (needs metrics:ro)")
	}
}

func (d *Doctor) anyTokenHas(scope string) bool {
	if d.cfg.API.Auth.APIKey != "" {
		return true
	}
	for _, t := range d.cfg.API.Auth.Tokens {
		for _, s := range t.Scopes {
			if s == scope || s == auth.ScopeAll {
				return true
			}
		}
	}
	return false
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		if prev, dup := seen[token.Token]; dup && token.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (d *Doctor) validateRateLimit(r *Result) {
	rl := d.cfg.API.RateLimit
	switch {
	case rl.RPS < 0:
		d.addError(r, "rate_limit", "api.rate_limit.rps", "rps must not be negative")
	case rl.RPS == 0:
		if rl.Burst > 0 {
			d.addWarning(r, "rate_limit", "api.rate_limit.burst", "burst is ignored while rps is 0")
		}
	case rl.Burst < 1:
		d.addError(r, "rate_limit", "api.rate_limit.burst", "burst must be at least 1 when rps is set")
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func loopback(listen string) bool {
	host := listen
	if i := strings.LastIndex(listen, ":"); i >= 0 {
		host = listen[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	if w := r.Worker; w != nil {
		if w.Executable != "" {
			fmt.Fprintf(&b, "  worker   %s\n", w.Executable)
		}
		if w.Blake3 != "" {
			fmt.Fprintf(&b, "  blake3   %s (%s)\n", w.Blake3, w.PinnedFile)
		}
		if w.Probe != "" {
			fmt.Fprintf(&b, "  probe    %s\n", w.Probe)
		}
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
