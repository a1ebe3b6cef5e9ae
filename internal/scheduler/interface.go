package scheduler

import (
	"context"

	"github.com/mattjoyce/procbridge/internal/outcome"
)

//go:generate mockgen -destination=mocks/mock_invoker.go -package=mocks github.com/mattjoyce/procbridge/internal/scheduler Invoker

// Invoker runs one action. *bridge.Bridge satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, action string, payload map[string]any) outcome.Outcome
}

// Recorder counts scheduler runs by result. *metrics.Collector satisfies it.
type Recorder interface {
	SchedulerRun(result string)
}
