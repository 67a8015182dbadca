package registry

import (
	"context"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/panewatch/backend/internal/tmux"
)

// Pane is one supervised terminal session. The registry is the sole
// writer of pane lifecycle; everyone else sees copies.
type Pane struct {
	PaneID    string    `json:"paneId"`
	ProjectID string    `json:"projectId"`
	Target    string    `json:"target"`
	PanePID   int       `json:"panePid"`
	Command   string    `json:"command,omitempty"` // agent process running inside, if identified
	CreatedAt time.Time `json:"createdAt"`
}

// Diff is the result of one poll: panes that appeared and panes that
// disappeared since the previous poll. Both empty when nothing changed.
type Diff struct {
	Added   []Pane
	Removed []Pane
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Registry tracks which panes currently exist by polling the pane
// lister. Consumers receive Diffs on a bounded channel rather than
// registering callbacks, which keeps ordering and backpressure explicit.
type Registry struct {
	lister tmux.Lister

	mu    sync.RWMutex
	known map[string]Pane

	updates chan Diff
}

func New(lister tmux.Lister) *Registry {
	return &Registry{
		lister:  lister,
		known:   make(map[string]Pane),
		updates: make(chan Diff, 16),
	}
}

// Updates delivers one Diff per poll that observed a change.
func (r *Registry) Updates() <-chan Diff {
	return r.updates
}

// Panes returns the current pane set, sorted by pane id.
func (r *Registry) Panes() []Pane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pane, 0, len(r.known))
	for _, p := range r.known {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

// Start polls on the given interval until ctx is cancelled. Listing
// failures are logged and retried; the registry keeps its last-known-good
// pane set until the lister recovers.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[registry] started (interval=%s)", interval)
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("[registry] stopped")
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Registry) pollOnce(ctx context.Context) {
	diff, err := r.Poll(ctx)
	if err != nil {
		log.Printf("[registry] pane listing failed, keeping last known set: %v", err)
		return
	}
	if diff.Empty() {
		return
	}
	select {
	case r.updates <- diff:
	case <-ctx.Done():
	}
}

// Poll reads the pane list once and computes the diff against the known
// set. Idempotent: repeated polls with no underlying change produce
// empty diffs.
func (r *Registry) Poll(ctx context.Context) (Diff, error) {
	listed, err := r.lister.ListPanes(ctx)
	if err != nil {
		return Diff{}, err
	}

	now := time.Now().UTC()
	current := make(map[string]tmux.Pane, len(listed))
	for _, p := range listed {
		// tmux occasionally keeps a dead pane in its listing for a
		// beat after the shell exits; the process check catches it.
		if p.PanePID > 0 && !processAlive(p.PanePID) {
			continue
		}
		current[p.PaneID] = p
	}

	var diff Diff
	r.mu.Lock()
	for id, p := range current {
		if _, ok := r.known[id]; ok {
			continue
		}
		pane := Pane{
			PaneID:    id,
			ProjectID: projectFromPath(p.CurrentPath),
			Target:    p.Target,
			PanePID:   p.PanePID,
			Command:   agentCommand(p.PanePID),
			CreatedAt: now,
		}
		r.known[id] = pane
		diff.Added = append(diff.Added, pane)
	}
	for id, pane := range r.known {
		if _, ok := current[id]; ok {
			continue
		}
		diff.Removed = append(diff.Removed, pane)
		delete(r.known, id)
	}
	r.mu.Unlock()

	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i].PaneID < diff.Added[j].PaneID })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i].PaneID < diff.Removed[j].PaneID })

	for _, p := range diff.Added {
		log.Printf("[registry] pane added: %s (project=%s, target=%s)", p.PaneID, p.ProjectID, p.Target)
	}
	for _, p := range diff.Removed {
		log.Printf("[registry] pane removed: %s (project=%s)", p.PaneID, p.ProjectID)
	}
	return diff, nil
}

// Get returns the pane with the given id, if known.
func (r *Registry) Get(paneID string) (Pane, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.known[paneID]
	return p, ok
}

// projectFromPath derives the project identifier from the pane's working
// directory: its final path element.
func projectFromPath(path string) string {
	if path == "" {
		return "unknown"
	}
	base := filepath.Base(path)
	if base == "." || base == "/" {
		return "unknown"
	}
	return base
}
