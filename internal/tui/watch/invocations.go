package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procbridge/internal/api"
	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

const recentLimit = 8

// InvocationState tracks one worker call seen on the event stream.
type InvocationState struct {
	ID       string
	Action   string
	PID      int
	Outcome  outcome.Kind
	Message  string
	Started  time.Time
	Duration time.Duration
}

// Activity holds running calls and the most recent finished ones.
type Activity struct {
	Active map[string]*InvocationState
	Recent []*InvocationState // newest first
}

func NewActivity() Activity {
	return Activity{Active: make(map[string]*InvocationState)}
}

type invocationData struct {
	InvocationID string       `json:"invocation_id"`
	Action       string       `json:"action"`
	PID          int          `json:"pid"`
	Outcome      outcome.Kind `json:"outcome"`
	Message      string       `json:"message"`
	DurationMS   int64        `json:"duration_ms"`
}

// Apply folds an invocation event into the activity view.
func (a *Activity) Apply(e events.Event) {
	if e.Type != events.TypeInvocationStarted && e.Type != events.TypeInvocationCompleted {
		return
	}
	var d invocationData
	if err := json.Unmarshal(e.Data, &d); err != nil || d.InvocationID == "" {
		return
	}

	switch e.Type {
	case events.TypeInvocationStarted:
		a.Active[d.InvocationID] = &InvocationState{
			ID:      d.InvocationID,
			Action:  d.Action,
			PID:     d.PID,
			Started: e.At,
		}

	case events.TypeInvocationCompleted:
		inv, ok := a.Active[d.InvocationID]
		if !ok {
			// Refused before spawn, or started before we connected.
			inv = &InvocationState{ID: d.InvocationID, Action: d.Action}
		}
		delete(a.Active, d.InvocationID)
		inv.Outcome = d.Outcome
		inv.Message = d.Message
		inv.Duration = time.Duration(d.DurationMS) * time.Millisecond

		a.Recent = append([]*InvocationState{inv}, a.Recent...)
		if len(a.Recent) > recentLimit {
			a.Recent = a.Recent[:recentLimit]
		}
	}
}

func (a Activity) activeSorted() []*InvocationState {
	out := make([]*InvocationState, 0, len(a.Active))
	for _, inv := range a.Active {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func renderInvocations(a Activity, theme Theme, width int) string {
	innerWidth := width - 4

	var lines []string
	for _, inv := range a.activeSorted() {
		elapsed := time.Since(inv.Started).Round(100 * time.Millisecond)
		lines = append(lines, fmt.Sprintf(" %s %-24s pid %-7d %s %s",
			theme.StatusRunning.Render("▶"),
			inv.Action, inv.PID,
			theme.Dim.Render(shortID(inv.ID)),
			theme.StatusRunning.Render(elapsed.String())))
	}
	for _, inv := range a.Recent {
		msg := ""
		if inv.Message != "" {
			msg = " " + theme.Dim.Render(truncate(inv.Message, 40))
		}
		lines = append(lines, fmt.Sprintf(" %s %-24s %-11s %s %s%s",
			outcomeStyle(inv.Outcome, theme).Render("■"),
			inv.Action,
			formatMillis(inv.Duration.Milliseconds()),
			theme.Dim.Render(shortID(inv.ID)),
			outcomeStyle(inv.Outcome, theme).Render(string(inv.Outcome)),
			msg))
	}
	if len(lines) == 0 {
		lines = []string{theme.Dim.Render("  No invocations yet...")}
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("INVOCATIONS")}, lines...)...)
	return theme.Border.Width(innerWidth).Render(content)
}

// renderActionStats draws the /stats table with the selected row reversed.
func renderActionStats(rows []api.ActionStatsView, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(rows) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ACTIONS"),
			theme.Dim.Render("  No statistics yet (needs stats:ro)..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Header.Render(fmt.Sprintf(" %-24s %6s %4s %8s %8s %8s  %s",
		"ACTION", "CALLS", "RUN", "P50", "P99", "MAX", "LAST"))}
	for i, r := range rows {
		line := fmt.Sprintf(" %-24s %6d %4d %8s %8s %8s  %s",
			r.Action, r.Total, r.InFlight,
			formatMillis(r.P50Millis), formatMillis(r.P99Millis), formatMillis(r.MaxMillis),
			r.LastOutcome)
		if i == selected {
			line = theme.Selected.Render(line)
		}
		lines = append(lines, line)
	}
	if selected >= 0 && selected < len(rows) {
		lines = append(lines, theme.Dim.Render(" "+outcomeBreakdown(rows[selected])))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("ACTIONS")}, lines...)...)
	return theme.Border.Width(innerWidth).Render(content)
}

func outcomeBreakdown(r api.ActionStatsView) string {
	kinds := make([]string, 0, len(r.ByOutcome))
	for k := range r.ByOutcome {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r.ByOutcome[k]))
	}
	return r.Action + ": " + strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 4 {
		return s[:max(n, 0)]
	}
	return s[:n-3] + "..."
}
