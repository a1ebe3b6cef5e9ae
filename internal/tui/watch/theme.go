// Package watch is the procbridge live monitor: a terminal view of
// invocations, background sync and the raw event stream, fed by the HTTP
// API's /events, /stats and /healthz endpoints.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procbridge/internal/outcome"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusTimeout lipgloss.Style
	StatusRefused lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Selected  lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusTimeout: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8C00")),
		StatusRefused: lipgloss.NewStyle().Foreground(lipgloss.Color("#C678DD")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Selected:  lipgloss.NewStyle().Reverse(true),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// outcomeStyle colours an outcome kind; application failures are the
// worker saying no, not a fault.
func outcomeStyle(k outcome.Kind, theme Theme) lipgloss.Style {
	switch k {
	case outcome.KindSuccess:
		return theme.StatusOK
	case outcome.KindApplicationFailure:
		return theme.Highlight
	case outcome.KindTimeout:
		return theme.StatusTimeout
	case outcome.KindValidationFailure:
		return theme.StatusRefused
	case outcome.KindTransportFailure:
		return theme.StatusFailed
	}
	return theme.Dim
}
