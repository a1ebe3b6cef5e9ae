package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/procbridge/internal/config"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/log"
)

// Run results reported to the Recorder.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Config controls the background sync loop.
type Config struct {
	Every   time.Duration
	Jitter  time.Duration
	Action  string
	Payload map[string]any
}

// ConfigFrom converts the scheduler section of the file config.
func ConfigFrom(sc config.SchedulerConfig) (Config, error) {
	every, err := parseScheduleEvery(sc.Every)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Every:   every,
		Jitter:  sc.Jitter,
		Action:  sc.Action,
		Payload: sc.Payload,
	}, nil
}

// Scheduler fires the sync action on a fixed interval through the bridge.
//
// A tick that lands while the previous sync is still running is skipped, so
// a slow or hung worker never piles up calls. Failures are logged and the
// loop waits for the next tick; there is no retry.
type Scheduler struct {
	cfg     Config
	invoker Invoker
	events  events.Publisher
	metrics Recorder
	logger  *slog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg Config, inv Invoker, pub events.Publisher, logger *slog.Logger) *Scheduler {
	if pub == nil {
		pub = events.NewHub(128)
	}
	if logger == nil {
		logger = log.WithComponent("scheduler")
	} else {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		cfg:     cfg,
		invoker: inv,
		events:  pub,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// WithRecorder attaches a metrics recorder.
func (s *Scheduler) WithRecorder(r Recorder) *Scheduler {
	s.metrics = r
	return s
}

// Start begins the scheduler's tick loop. The first sync runs one interval
// after Start, not immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Every <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.cfg.Every)
	}
	if s.cfg.Action == "" {
		return errors.New("scheduler action is required")
	}
	s.logger.Info("Starting scheduler", "every", s.cfg.Every, "jitter", s.cfg.Jitter, "action", s.cfg.Action)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler and waits for an in-flight sync.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// tickLoop is the main scheduling loop.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick starts one sync unless the previous one is still running. It does not
// wait for the sync to finish.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("Skipped background sync", "reason", "previous sync still running")
		s.events.Publish(events.TypeSchedulerSkipped, map[string]any{
			"action": s.cfg.Action,
			"reason": "in_flight",
		})
		s.record(ResultSkipped)
		return
	}

	s.logger.Debug("Scheduler tick")
	s.events.Publish(events.TypeSchedulerTick, map[string]any{
		"at":     time.Now().UTC(),
		"action": s.cfg.Action,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runSync(ctx)
	}()
}

// runSync invokes the sync action once. A panic is logged and swallowed so
// the host keeps running.
func (s *Scheduler) runSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Background sync panicked", "panic", r)
			s.events.Publish(events.TypeSchedulerFailed, map[string]any{
				"action": s.cfg.Action,
				"error":  fmt.Sprint(r),
			})
			s.record(ResultFailed)
		}
	}()

	start := time.Now()
	out := s.invoker.Invoke(ctx, s.cfg.Action, s.cfg.Payload)
	duration := time.Since(start)

	if !out.OK() {
		s.logger.Warn("Background sync failed",
			"action", s.cfg.Action,
			"outcome", string(out.Kind),
			"error", out.Message,
			"duration", duration,
		)
		s.events.Publish(events.TypeSchedulerFailed, map[string]any{
			"action":  s.cfg.Action,
			"outcome": out.Kind,
			"error":   out.Message,
		})
		s.record(ResultFailed)
		return
	}

	s.logger.Info("Background sync completed", "action", s.cfg.Action, "duration", duration)
	// Best effort: listeners that are not subscribed simply miss it.
	s.events.Publish(events.TypeDataSync, out.Response())
	s.record(ResultOK)
}

func (s *Scheduler) record(result string) {
	if s.metrics != nil {
		s.metrics.SchedulerRun(result)
	}
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	// Generate a random duration between 0 and jitter
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}

// parseScheduleEvery converts the 'every' string from config to a base duration.
func parseScheduleEvery(every string) (time.Duration, error) {
	return config.ParseInterval(every)
}
