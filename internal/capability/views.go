package capability

import (
	"context"

	"github.com/mattjoyce/procbridge/internal/action"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

func (c *Client) HomeData(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.GetHomeData, nil)
}

// DashboardData loads the dashboard for month ("2006-01"); empty means the
// worker's current month.
func (c *Client) DashboardData(ctx context.Context, month string) outcome.Outcome {
	var payload map[string]any
	if month != "" {
		payload = map[string]any{"month": month}
	}
	return c.call(ctx, action.GetDashboardData, payload)
}

func (c *Client) CostCenters(ctx context.Context) outcome.Outcome {
	return c.call(ctx, action.GetCostCenters, nil)
}

// SyncGoogleSheets runs a user-triggered sheets sync. Whenever the worker
// answers, success or not, data-sync is published with its response so open
// views can refresh or show the error. Transport failures and timeouts are
// only logged.
func (c *Client) SyncGoogleSheets(ctx context.Context) outcome.Outcome {
	out := c.call(ctx, action.SyncGoogleSheets, nil)
	switch out.Kind {
	case outcome.KindSuccess, outcome.KindApplicationFailure:
		if c.events != nil {
			c.events.Publish(events.TypeDataSync, out.Response())
		}
	default:
		c.logger.Warn("sheets sync failed", "outcome", string(out.Kind), "error", out.Message)
	}
	return out
}
