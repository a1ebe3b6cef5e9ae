package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procbridge/internal/events"
	"github.com/mattjoyce/procbridge/internal/outcome"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	typeName := eventStyle(e, theme).Render(fmt.Sprintf("%-22s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func eventStyle(e events.Event, theme Theme) lipgloss.Style {
	switch e.Type {
	case events.TypeInvocationStarted:
		return theme.StatusRunning
	case events.TypeInvocationCompleted:
		var d struct {
			Outcome outcome.Kind `json:"outcome"`
		}
		_ = json.Unmarshal(e.Data, &d)
		return outcomeStyle(d.Outcome, theme)
	case events.TypeSchedulerFailed:
		return theme.StatusFailed
	case events.TypeDataSync:
		return theme.StatusOK
	}
	if strings.HasPrefix(e.Type, "scheduler.") {
		return theme.Highlight
	}
	return theme.Dim
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["invocation_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	if name, ok := data["action"].(string); ok {
		parts = append(parts, name)
	}
	if kind, ok := data["outcome"].(string); ok {
		parts = append(parts, kind)
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%dms", int64(ms)))
	}
	for _, key := range []string{"message", "error", "reason"} {
		if s, ok := data[key].(string); ok && s != "" {
			parts = append(parts, s)
			break
		}
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
