package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panewatch/backend/internal/tmux"
)

// step is one scripted chunk of pane output, appended once the pane has
// been alive for at least delay.
type step struct {
	delay time.Duration
	text  string
}

type mockPane struct {
	meta       tmux.Pane
	script     []step
	closeAfter time.Duration // 0 = stays open
}

// Source simulates a tmux server with scripted panes. It satisfies the
// same lister/reader contracts as the real adapter, so the entire
// pipeline runs unchanged under -mock: discovery, capture, delta
// extraction, classification, even pane teardown.
type Source struct {
	mu      sync.Mutex
	started time.Time
	panes   []mockPane
}

func NewSource() *Source {
	return &Source{
		started: time.Now(),
		panes:   defaultScript(),
	}
}

func (s *Source) ListPanes(ctx context.Context) ([]tmux.Pane, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.started)
	out := make([]tmux.Pane, 0, len(s.panes))
	for _, p := range s.panes {
		if p.closeAfter > 0 && elapsed >= p.closeAfter {
			continue
		}
		out = append(out, p.meta)
	}
	return out, nil
}

func (s *Source) Capture(ctx context.Context, paneID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.started)
	for _, p := range s.panes {
		if p.meta.PaneID != paneID {
			continue
		}
		if p.closeAfter > 0 && elapsed >= p.closeAfter {
			return "", fmt.Errorf("pane %s: %w", paneID, tmux.ErrPaneGone)
		}
		var b strings.Builder
		for _, st := range p.script {
			if elapsed < st.delay {
				break
			}
			b.WriteString(st.text)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("pane %s: %w", paneID, tmux.ErrPaneGone)
}

func mockID() string {
	return "%mock-" + uuid.NewString()[:8]
}

// defaultScript builds three panes exercising the interesting paths: a
// build that fails, an agent that asks a question, and a short-lived
// pane that closes mid-run.
func defaultScript() []mockPane {
	build := mockID()
	agent := mockID()
	flaky := mockID()

	return []mockPane{
		{
			meta: tmux.Pane{
				PaneID: build, SessionName: "mock", Target: "mock:0.0",
				CurrentPath: "/home/user/projects/webapp",
			},
			script: []step{
				{0, "$ make build\n"},
				{2 * time.Second, "compiling server...\n"},
				{4 * time.Second, "compiling assets...\n"},
				{6 * time.Second, "Error: link failed: undefined symbol frobnicate\n"},
				{8 * time.Second, "$ \n"},
			},
		},
		{
			meta: tmux.Pane{
				PaneID: agent, SessionName: "mock", Target: "mock:1.0",
				CurrentPath: "/home/user/projects/api-server",
			},
			script: []step{
				{0, "> reviewing the failing test\n"},
				{3 * time.Second, "✻ Thinking about the fix\n"},
				{6 * time.Second, "☐ Pick an approach\n" +
					"  1. Patch — suppress the flaky assertion\n" +
					"  2. Refactor — rewrite the scheduler loop\n" +
					"Press Enter to select\n"},
				{12 * time.Second, "> applying option 2\n"},
			},
		},
		{
			meta: tmux.Pane{
				PaneID: flaky, SessionName: "mock", Target: "mock:2.0",
				CurrentPath: "/home/user/projects/scratch",
			},
			script: []step{
				{0, "$ tail -f run.log\n"},
				{2 * time.Second, "worker 1 ready\n"},
				{5 * time.Second, "worker 2 ready\n"},
			},
			closeAfter: 10 * time.Second,
		},
	}
}
