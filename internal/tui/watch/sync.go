package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procbridge/internal/events"
)

// SyncState tracks the background sync loop from scheduler.* and
// data-sync events.
type SyncState struct {
	Action      string
	LastTick    time.Time
	LastSync    time.Time
	LastFailure time.Time
	LastError   string
	Ticks       int
	Skipped     int
	Failed      int
}

// Apply folds a scheduler or data-sync event into s.
func (s *SyncState) Apply(e events.Event) {
	var d struct {
		Action string `json:"action"`
		Error  string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &d)

	switch e.Type {
	case events.TypeSchedulerTick:
		s.Ticks++
		s.LastTick = e.At
	case events.TypeSchedulerSkipped:
		s.Skipped++
	case events.TypeSchedulerFailed:
		s.Failed++
		s.LastFailure = e.At
		s.LastError = d.Error
	case events.TypeDataSync:
		s.LastSync = e.At
		return
	default:
		return
	}
	if d.Action != "" {
		s.Action = d.Action
	}
}

func renderSync(s SyncState, theme Theme, width int) string {
	innerWidth := width - 4

	if s.Ticks == 0 && s.LastSync.IsZero() {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("BACKGROUND SYNC"),
			theme.Dim.Render("  No scheduler activity observed yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	status := theme.StatusOK.Render("[ok]")
	if s.LastFailure.After(s.LastSync) {
		status = theme.StatusFailed.Render("[failing]")
	}

	lines := []string{
		fmt.Sprintf(" %-24s %s  ticks %d  skipped %d  failed %d",
			s.Action, status, s.Ticks, s.Skipped, s.Failed),
		fmt.Sprintf(" last tick %s  last data-sync %s",
			since(s.LastTick), since(s.LastSync)),
	}
	if s.LastError != "" && s.LastFailure.After(s.LastSync) {
		lines = append(lines, " "+theme.StatusFailed.Render(truncate(s.LastError, innerWidth-4)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("BACKGROUND SYNC")}, lines...)...)
	return theme.Border.Width(innerWidth).Render(content)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t)) + " ago"
}
