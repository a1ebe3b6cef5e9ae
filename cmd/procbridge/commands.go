package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/api"
	"github.com/mattjoyce/procbridge/internal/doctor"
	"github.com/mattjoyce/procbridge/internal/lock"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/tui/watch"
)

// splitAction pulls a leading positional argument off args so flags may
// follow it.
func splitAction(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

// parsePayload decodes a --payload value. Empty and null mean no payload.
func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	switch p := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return p, nil
	default:
		return nil, fmt.Errorf("payload must be a JSON object")
	}
}

func runInvoke(args []string) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	payloadJSON := fs.String("payload", "", "JSON object passed to the worker")

	name, rest := splitAction(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: procbridge invoke <action> [--payload JSON] [--config PATH]")
		return 1
	}

	payload, err := parsePayload(*payloadJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --payload: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	b, err := newBridge(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start bridge: %v\n", err)
		return 1
	}

	// Ctrl+C stops the worker; the call still returns an outcome.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Close(context.Background())
		case <-done:
		}
	}()

	res := b.Call(ctx, name, payload)
	close(done)

	data, err := json.MarshalIndent(res.Response(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render response: %v\n", err)
		return 1
	}
	fmt.Println(string(data))

	if !res.Outcome.OK() {
		return 1
	}
	return 0
}

func runActions(args []string) int {
	fs := flag.NewFlagSet("actions", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// Without a config every compiled action is listed.
	var registry *action.Registry
	if cfg, err := loadConfig(*configPath); err == nil {
		registry, err = action.NewRegistry(cfg.Actions.Disabled)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
			return 1
		}
	} else if *configPath != "" {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	enabled := registry.Enabled()
	infos := make([]api.ActionInfo, 0, len(enabled))
	for _, a := range enabled {
		infos = append(infos, api.ActionInfo{Name: a.String(), Kind: string(a.Kind())})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(api.ActionsResponse{Actions: infos}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	for _, info := range infos {
		fmt.Printf("%-26s %s\n", info.Name, info.Kind)
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	probe := fs.Bool("probe", false, "Run init_db_check through the worker")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	d := doctor.New(cfg)
	result := d.Validate()

	if *probe {
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
		b, err := newBridge(cfg, nil)
		if err != nil {
			result.Errors = append(result.Errors, doctor.Issue{Category: "probe", Message: err.Error()})
			result.Valid = false
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TimeoutFor(string(action.InitDBCheck))+cfg.Worker.KillGrace+time.Second)
			d.Probe(ctx, b, result)
			cancel()
			_ = b.Close(context.Background())
		}
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

// runStatus reports whether a bridge holds the PID lock for this config and,
// if its API is enabled, whether it answers /healthz.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		add("config_load", false, err.Error())
		add("pid_lock", false, "config not loaded")
		add("api", false, "config not loaded")
	} else {
		add("config_load", true, cfg.SourcePath)

		pidPath := pidLockPath(cfg)
		l, err := lock.AcquirePIDLock(pidPath)
		switch {
		case errors.Is(err, lock.ErrLocked):
			report.Running = true
			report.PID, _ = lock.HolderPID(pidPath)
			add("pid_lock", true, fmt.Sprintf("held by pid %d", report.PID))
		case err != nil:
			add("pid_lock", false, err.Error())
		default:
			_ = l.Release()
			add("pid_lock", true, "not running")
		}

		switch {
		case !cfg.API.Enabled:
			add("api", true, "disabled")
		case !report.Running:
			add("api", true, "not running")
		default:
			if err := checkHealthz("http://" + cfg.API.Listen); err != nil {
				add("api", false, err.Error())
			} else {
				add("api", true, cfg.API.Listen)
			}
		}
	}

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func checkHealthz(baseURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h api.HealthzResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&h); err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		return fmt.Errorf("healthz: %s %q", resp.Status, h.Status)
	}
	return nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Bridge API URL")
	apiKey := fs.String("api-key", os.Getenv("PROCBRIDGE_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		if cfg, err := loadConfig(*configPath); err == nil {
			if *apiURL == "" {
				*apiURL = "http://" + cfg.API.Listen
			}
			if *apiKey == "" {
				*apiKey = cfg.API.Auth.APIKey
			}
		}
	}
	if *apiURL == "" {
		*apiURL = "http://127.0.0.1:8417"
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or PROCBRIDGE_API_KEY env var.")
		return 1
	}

	if err := watch.Run(strings.TrimRight(*apiURL, "/"), *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
