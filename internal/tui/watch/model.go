package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procbridge/internal/api"
	"github.com/mattjoyce/procbridge/internal/events"
)

const eventLogLimit = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health   HealthState
	activity Activity
	sync     SyncState
	stats    []api.ActionStatsView
	eventLog []events.Event
	lastID   int64

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme          Theme
	keys           keyMap
	help           help.Model
	selectedAction int

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		activity:  NewActivity(),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
		keys:      defaultKeyMap(),
		help:      help.New(),
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchStats(m.apiURL, m.apiKey) },
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.selectedAction > 0 {
				m.selectedAction--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selectedAction < len(m.stats)-1 {
				m.selectedAction++
			}
		case key.Matches(msg, m.keys.Refresh):
			return m, func() tea.Msg { return fetchStats(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		m.apply(events.Event(msg))
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ActionsEnabled = msg.ActionsEnabled
		m.health.EventSubscribers = msg.EventSubscribers
		m.health.EventsDropped = msg.EventsDropped
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case statsMsg:
		m.stats = msg.Actions
		if m.selectedAction >= len(m.stats) {
			m.selectedAction = max(len(m.stats)-1, 0)
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchStats(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the channel and
		// picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

// apply folds one hub event into every view.
func (m *Model) apply(e events.Event) {
	if e.ID > 0 && e.ID <= m.lastID {
		return
	}
	if e.ID > m.lastID {
		m.lastID = e.ID
	}

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogLimit {
		m.eventLog = m.eventLog[:eventLogLimit]
	}
	m.spinner.OnEvent(time.Now())
	m.activity.Apply(e)
	m.sync.Apply(e)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to procbridge..."
	}

	parts := []string{
		renderHeader(m.health, len(m.activity.Active), m.ticker, m.spinner, m.theme, m.width),
		renderInvocations(m.activity, m.theme, m.width),
		renderActionStats(m.stats, m.selectedAction, m.theme, m.width),
		renderSync(m.sync, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, " "+m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
