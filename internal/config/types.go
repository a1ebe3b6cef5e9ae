package config

import (
	"sort"
	"time"
)

// Config represents the complete procbridge configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Worker    WorkerConfig    `yaml:"worker"`
	Actions   ActionsConfig   `yaml:"actions,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`

	// SourcePath is the absolute path of the file this config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// EventBuffer is how many recent events the hub keeps for replay.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// WorkerConfig describes the worker program and how each call is supervised.
type WorkerConfig struct {
	// Command is the executable plus fixed leading arguments, e.g.
	// ["python3", "main_handler.py"].
	Command        []string                 `yaml:"command"`
	Dir            string                   `yaml:"dir,omitempty"`
	Env            map[string]string        `yaml:"env,omitempty"`
	Timeout        time.Duration            `yaml:"timeout"`
	ActionTimeouts map[string]time.Duration `yaml:"action_timeouts,omitempty"`
	KillGrace      time.Duration            `yaml:"kill_grace"`
	MaxStdoutBytes int                      `yaml:"max_stdout_bytes,omitempty"`
	// Checksum pins the BLAKE3 hash of the file named by Command[0] (or
	// Command[1] when Command[0] is an interpreter on PATH).
	Checksum string `yaml:"checksum,omitempty"`
}

// ActionsConfig narrows the compiled action set.
type ActionsConfig struct {
	Disabled []string `yaml:"disabled,omitempty"`
}

// SchedulerConfig defines the background sync loop.
type SchedulerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Every   string        `yaml:"every"` // e.g., "5m", "hourly"
	Jitter  time.Duration `yaml:"jitter,omitempty"`
	Action  string        `yaml:"action"`
	// Payload is sent with every sync call.
	Payload map[string]any `yaml:"payload,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Listen       string          `yaml:"listen"`
	Auth         APIAuthConfig   `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit,omitempty"`
	MaxBodyBytes int64           `yaml:"max_body_bytes,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RateLimitConfig bounds /invoke calls per principal. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "procbridge",
			LogLevel:    "info",
			LogFormat:   "json",
			EventBuffer: 256,
		},
		Worker: WorkerConfig{
			Timeout:        30 * time.Second,
			KillGrace:      2 * time.Second,
			MaxStdoutBytes: 8 * 1024 * 1024,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Every:   "5m",
			Action:  "sync_background_data",
		},
		API: APIConfig{
			Enabled:      false,
			Listen:       "127.0.0.1:8417",
			MaxBodyBytes: 1 << 20,
		},
	}
}

// TimeoutFor returns the per-call timeout for action.
func (w WorkerConfig) TimeoutFor(action string) time.Duration {
	if d, ok := w.ActionTimeouts[action]; ok && d > 0 {
		return d
	}
	return w.Timeout
}

// EnvList renders Env as sorted "KEY=value" pairs.
func (w WorkerConfig) EnvList() []string {
	if len(w.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.Env))
	for k, v := range w.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
