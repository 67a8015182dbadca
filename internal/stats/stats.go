package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panewatch/backend/internal/event"
)

// Stats is the aggregate view over the event stream: running totals by
// kind and project plus cost accounting. Served at /api/stats and
// embedded in every subscriber's sync payload.
type Stats struct {
	TotalEvents     int64            `json:"totalEvents"`
	EventsByKind    map[string]int64 `json:"eventsByKind"`
	EventsByProject map[string]int64 `json:"eventsByProject"`
	TotalCostUSD    float64          `json:"totalCostUsd"`
	InputTokens     int64            `json:"inputTokens"`
	OutputTokens    int64            `json:"outputTokens"`
	CacheTokens     int64            `json:"cacheTokens"`
	ActivePanes     int              `json:"activePanes"`
	OpenQuestions   int              `json:"openQuestions"`
	LastEventAt     *time.Time       `json:"lastEventAt,omitempty"`
	StartedAt       time.Time        `json:"startedAt"`
}

func (s *Stats) clone() *Stats {
	out := *s
	out.EventsByKind = make(map[string]int64, len(s.EventsByKind))
	for k, v := range s.EventsByKind {
		out.EventsByKind[k] = v
	}
	out.EventsByProject = make(map[string]int64, len(s.EventsByProject))
	for k, v := range s.EventsByProject {
		out.EventsByProject[k] = v
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		out.LastEventAt = &t
	}
	return &out
}

// Tailer is the slice of the event store the tracker needs for
// reseeding after a restart.
type Tailer interface {
	Tail(ctx context.Context, n int) ([]*event.Event, error)
}

// Tracker maintains aggregate stats over the sequenced stream. Observe
// is called by the broadcaster for every event in id order; pane counts
// come from the registry via SetActivePanes.
type Tracker struct {
	mu    sync.Mutex
	stats *Stats

	// A question is considered open until the same pane produces any
	// later event.
	pendingQuestion map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{
		stats: &Stats{
			EventsByKind:    make(map[string]int64),
			EventsByProject: make(map[string]int64),
			StartedAt:       time.Now().UTC(),
		},
		pendingQuestion: make(map[string]bool),
	}
}

// Observe folds one sequenced event into the totals.
func (t *Tracker) Observe(ev *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fold(ev)
}

func (t *Tracker) fold(ev *event.Event) {
	t.stats.TotalEvents++
	t.stats.EventsByKind[ev.Kind.String()]++
	if ev.ProjectID != "" {
		t.stats.EventsByProject[ev.ProjectID]++
	}
	ts := ev.Timestamp
	t.stats.LastEventAt = &ts

	if ev.Kind == event.Question {
		t.pendingQuestion[ev.PaneID] = true
	} else if t.pendingQuestion[ev.PaneID] {
		delete(t.pendingQuestion, ev.PaneID)
	}
	t.stats.OpenQuestions = len(t.pendingQuestion)

	if ev.Cost != nil {
		t.stats.TotalCostUSD += ev.Cost.USD
		t.stats.InputTokens += ev.Cost.InputTokens
		t.stats.OutputTokens += ev.Cost.OutputTokens
		t.stats.CacheTokens += ev.Cost.CacheReadTokens + ev.Cost.CacheCreationTokens
	}
}

// SetActivePanes records the current pane count from the registry.
func (t *Tracker) SetActivePanes(n int) {
	t.mu.Lock()
	t.stats.ActivePanes = n
	t.mu.Unlock()
}

// Seed replays the durable tail through the totals so a restart does not
// zero the aggregate view. Best effort: a store error leaves the tracker
// empty rather than failing startup.
func (t *Tracker) Seed(ctx context.Context, tail Tailer, n int) error {
	events, err := tail.Tail(ctx, n)
	if err != nil {
		return fmt.Errorf("seed stats from store: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		t.fold(ev)
	}
	return nil
}

// Stats returns a deep copy of the current totals.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}
