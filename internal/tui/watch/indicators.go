package watch

import (
	"strings"
	"time"
)

// Ticker rotates on every UI tick; a frozen glyph means the UI stalled.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

const spinnerDots = 5

// spinnerFade is how long after the last event each dot stays lit.
var spinnerFade = [spinnerDots]time.Duration{
	10 * time.Second, 8 * time.Second, 6 * time.Second, 4 * time.Second, 2 * time.Second,
}

// Spinner lights up on events and fades over the following ten seconds.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent(at time.Time) {
	s.dots = spinnerDots
	s.lastEvent = at
}

// Decay fades the spinner dots based on time since the last event.
func (s *Spinner) Decay(now time.Time) {
	elapsed := now.Sub(s.lastEvent)
	lit := 0
	for _, d := range spinnerFade {
		if elapsed <= d {
			lit++
		}
	}
	s.dots = min(s.dots, lit)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range spinnerDots {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
