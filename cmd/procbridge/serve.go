package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/api"
	"github.com/mattjoyce/procbridge/internal/auth"
	"github.com/mattjoyce/procbridge/internal/bridge"
	"github.com/mattjoyce/procbridge/internal/capability"
	"github.com/mattjoyce/procbridge/internal/config"
	"github.com/mattjoyce/procbridge/internal/dispatch"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/lock"
	"github.com/mattjoyce/procbridge/internal/log"
	"github.com/mattjoyce/procbridge/internal/metrics"
	"github.com/mattjoyce/procbridge/internal/protocol"
	"github.com/mattjoyce/procbridge/internal/scheduler"
	"github.com/mattjoyce/procbridge/internal/stats"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("procbridge starting", "version", version, "config", cfg.SourcePath)

	pidPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("procbridge stopped")
	return 0
}

// serve runs the bridge and its surfaces until ctx ends or a component
// fails, then shuts down: workers first, then the scheduler.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	hub := events.NewHub(cfg.Service.EventBuffer)
	tracker := stats.NewTracker()
	observers := []bridge.Observer{tracker}

	var pub events.Publisher = hub
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		observers = append(observers, collector)
		pub = events.Counted(hub, collector.EventPublished)
	}

	b, err := newBridge(cfg, pub, observers...)
	if err != nil {
		return err
	}
	logger.Info("bridge ready",
		"worker", cfg.Worker.Command,
		"actions", len(b.Actions()),
		"timeout", cfg.Worker.Timeout,
	)

	// The worker owns its schema; give it a chance to create it before the
	// first UI call. A failure here is reported, not fatal.
	client := capability.New(b, pub)
	if out := client.InitDB(ctx); out.OK() {
		logger.Info("worker database ready")
	} else {
		logger.Warn("worker database check failed", "outcome", string(out.Kind), "error", out.Message)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sc, err := scheduler.ConfigFrom(cfg.Scheduler)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched = scheduler.New(sc, b, pub, log.Get())
		if collector != nil {
			sched.WithRecorder(collector)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	if cfg.API.Enabled {
		srv := api.New(apiConfig(cfg), b, hub, log.Get()).WithStats(tracker)
		if collector != nil {
			srv.WithMetrics(collector.Handler(), collector)
		}
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen, "metrics", collector != nil)
	}

	logger.Info("procbridge running (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Worker.KillGrace+5*time.Second)
	defer closeCancel()
	if err := b.Close(closeCtx); err != nil {
		logger.Warn("workers still running at shutdown", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	return runErr
}

// newBridge wires the worker config into a Bridge backed by a process
// supervisor. The worker's checksum, when pinned, is verified first.
func newBridge(cfg *config.Config, pub events.Publisher, observers ...bridge.Observer) (*bridge.Bridge, error) {
	w := cfg.Worker
	if err := w.VerifyChecksum(); err != nil {
		return nil, fmt.Errorf("worker checksum: %w", err)
	}
	registry, err := action.NewRegistry(cfg.Actions.Disabled)
	if err != nil {
		return nil, err
	}

	sup := dispatch.New(dispatch.Config{
		Dir:            w.Dir,
		Env:            w.EnvList(),
		KillGrace:      w.KillGrace,
		MaxStdoutBytes: w.MaxStdoutBytes,
	}, log.WithComponent("dispatch"))

	return bridge.New(bridge.Options{
		Worker:         protocol.WorkerCommand{Path: w.Command[0], Args: w.Command[1:]},
		Registry:       registry,
		Runner:         sup,
		Timeout:        w.Timeout,
		ActionTimeouts: w.ActionTimeouts,
		Events:         pub,
		Observers:      observers,
		Logger:         log.WithComponent("bridge"),
	})
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}

	// An HTTP write must outlive the slowest worker call.
	longest := cfg.Worker.Timeout
	for _, d := range cfg.Worker.ActionTimeouts {
		longest = max(longest, d)
	}

	return api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		Tokens:         tokens,
		RateLimitRPS:   cfg.API.RateLimit.RPS,
		RateLimitBurst: cfg.API.RateLimit.Burst,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		WriteTimeout:   longest + cfg.Worker.KillGrace + 10*time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
		path = discovered
	}
	return config.Load(path)
}

// pidLockPath places the lock beside the config file, so two bridges can
// serve different configs on one machine.
func pidLockPath(cfg *config.Config) string {
	dir := os.TempDir()
	if cfg.SourcePath != "" {
		dir = filepath.Dir(cfg.SourcePath)
	}
	name := cfg.Service.Name
	if name == "" {
		name = "procbridge"
	}
	return filepath.Join(dir, name+".pid")
}
