// Package stats keeps per-action invocation counts and latency quantiles for
// the /stats endpoint and the watch TUI.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression keeps ~100 centroids (~10KB) per action.
const digestCompression = 100

// ActionStats is a point-in-time view of one action.
type ActionStats struct {
	Action    string           `json:"action"`
	Total     int64            `json:"total"`
	InFlight  int64            `json:"in_flight"`
	ByOutcome map[string]int64 `json:"by_outcome"`
	P50       time.Duration    `json:"p50"`
	P90       time.Duration    `json:"p90"`
	P99       time.Duration    `json:"p99"`
	Max       time.Duration    `json:"max"`
	LastAt    time.Time        `json:"last_at,omitempty"`
	LastKind  string           `json:"last_outcome,omitempty"`
}

type actionState struct {
	total     int64
	inFlight  int64
	byOutcome map[string]int64
	// TDigest is not thread-safe; guarded by Tracker.mu.
	digest   *tdigest.TDigest
	max      time.Duration
	lastAt   time.Time
	lastKind string
}

// Tracker accumulates invocation statistics. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	actions map[string]*actionState
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		actions: make(map[string]*actionState),
		now:     time.Now,
	}
}

func (t *Tracker) stateLocked(action string) *actionState {
	st, ok := t.actions[action]
	if !ok {
		st = &actionState{
			byOutcome: make(map[string]int64),
			digest:    tdigest.NewWithCompression(digestCompression),
		}
		t.actions[action] = st
	}
	return st
}

// InvocationStarted counts a call as in flight.
func (t *Tracker) InvocationStarted(action string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(action).inFlight++
}

// InvocationFinished records a delivered outcome and its duration.
func (t *Tracker) InvocationFinished(action, outcome string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(action)
	if st.inFlight > 0 {
		st.inFlight--
	}
	st.total++
	st.byOutcome[outcome]++
	st.digest.Add(float64(d.Nanoseconds()), 1)
	if d > st.max {
		st.max = d
	}
	st.lastAt = t.now()
	st.lastKind = outcome
}

// Snapshot returns stats for every action seen so far, sorted by name.
func (t *Tracker) Snapshot() []ActionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ActionStats, 0, len(t.actions))
	for name, st := range t.actions {
		s := ActionStats{
			Action:    name,
			Total:     st.total,
			InFlight:  st.inFlight,
			ByOutcome: make(map[string]int64, len(st.byOutcome)),
			Max:       st.max,
			LastAt:    st.lastAt,
			LastKind:  st.lastKind,
		}
		for k, v := range st.byOutcome {
			s.ByOutcome[k] = v
		}
		if st.total > 0 {
			s.P50 = time.Duration(st.digest.Quantile(0.50))
			s.P90 = time.Duration(st.digest.Quantile(0.90))
			s.P99 = time.Duration(st.digest.Quantile(0.99))
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Get returns the stats for one action.
func (t *Tracker) Get(action string) (ActionStats, bool) {
	for _, s := range t.Snapshot() {
		if s.Action == action {
			return s, true
		}
	}
	return ActionStats{}, false
}
