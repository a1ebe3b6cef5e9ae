package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is accepted
// and must contain config.yaml.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML onto Defaults() after ${VAR} interpolation. It does not
// validate; Load does.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// resolvePaths makes worker paths relative to the config file's directory.
func resolvePaths(cfg *Config, baseDir string) {
	w := &cfg.Worker
	if w.Dir != "" && !filepath.IsAbs(w.Dir) {
		w.Dir = filepath.Join(baseDir, w.Dir)
	}
	if len(w.Command) > 0 {
		exe := w.Command[0]
		if strings.ContainsRune(exe, filepath.Separator) && !filepath.IsAbs(exe) {
			w.Command[0] = filepath.Join(baseDir, exe)
		}
	}
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $PROCBRIDGE_CONFIG_DIR, ~/.config/procbridge, /etc/procbridge, ./config.yaml
// The --config flag, when given, bypasses discovery entirely.
func DiscoverConfigPath() (string, error) {
	// 1. Check environment variable
	if dir := os.Getenv("PROCBRIDGE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "procbridge")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	// 3. Check system config directory
	systemConfigDir := "/etc/procbridge"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	// 4. Config in the current directory
	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $PROCBRIDGE_CONFIG_DIR, ~/.config/procbridge, /etc/procbridge, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validate can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	// Service validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.EventBuffer < 0 {
		return fmt.Errorf("service.event_buffer must not be negative")
	}

	// Worker validation
	w := cfg.Worker
	if len(w.Command) == 0 || strings.TrimSpace(w.Command[0]) == "" {
		return fmt.Errorf("worker.command is required")
	}
	if w.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}
	if w.KillGrace < 0 {
		return fmt.Errorf("worker.kill_grace must not be negative")
	}
	if w.MaxStdoutBytes < 0 {
		return fmt.Errorf("worker.max_stdout_bytes must not be negative")
	}
	for name, d := range w.ActionTimeouts {
		if d <= 0 {
			return fmt.Errorf("worker.action_timeouts[%s] must be positive", name)
		}
	}
	for key, value := range w.Env {
		if err := unresolved("worker.env."+key, value); err != nil {
			return err
		}
	}

	// Scheduler validation
	if cfg.Scheduler.Enabled {
		if _, err := ParseInterval(cfg.Scheduler.Every); err != nil {
			return fmt.Errorf("scheduler.every: %w", err)
		}
		if cfg.Scheduler.Jitter < 0 {
			return fmt.Errorf("scheduler.jitter must not be negative")
		}
	}

	// API auth validation
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.RateLimit.RPS > 0 && cfg.API.RateLimit.Burst < 1 {
			return fmt.Errorf("api.rate_limit.burst must be at least 1 when rps is set")
		}
		if cfg.API.MaxBodyBytes < 0 {
			return fmt.Errorf("api.max_body_bytes must not be negative")
		}
	}

	return validateActions(cfg)
}

// unresolved reports a ${VAR} placeholder left after interpolation, so a
// missing secret fails at load time instead of being sent verbatim.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// ParseInterval converts schedule interval strings to durations.
// Accepts Go durations ("5m", "90s") and "hourly".
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return 1 * time.Hour, nil
	case "":
		return 0, fmt.Errorf("schedule interval is required")
	}

	// Try parsing as duration (e.g., "5m", "2h")
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}

	return d, nil
}
