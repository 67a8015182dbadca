package bridge

import (
	"context"
	"log"
	"sync"

	"github.com/panewatch/backend/internal/capture"
	"github.com/panewatch/backend/internal/config"
	"github.com/panewatch/backend/internal/delta"
	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/registry"
	"github.com/panewatch/backend/internal/stats"
	"github.com/panewatch/backend/internal/stream"
	"github.com/panewatch/backend/internal/tmux"
)

// Service wires the pipeline end to end: registry polls panes, capture
// snapshots them, the detector extracts deltas, and the sequencer seals
// them into the stream. It is the only component that knows the whole
// chain; everything downstream of it sees interfaces.
type Service struct {
	cfg      *config.Config
	reg      *registry.Registry
	reader   *capture.Reader
	detector *delta.Detector
	seq      *stream.Sequencer
	tracker  *stats.Tracker

	snapshots chan capture.Snapshot
	paneGone  chan string

	mu       sync.Mutex
	projects map[string]string // paneID -> projectID for panes being watched

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, lister tmux.Lister, source tmux.Reader, detector *delta.Detector, seq *stream.Sequencer, tracker *stats.Tracker) *Service {
	s := &Service{
		cfg:       cfg,
		reg:       registry.New(lister),
		detector:  detector,
		seq:       seq,
		tracker:   tracker,
		snapshots: make(chan capture.Snapshot, 64),
		paneGone:  make(chan string, 16),
		projects:  make(map[string]string),
	}
	s.reader = capture.NewReader(source, cfg.Capture.PollInterval, s.snapshots, s.onPaneGone)
	return s
}

// Registry exposes the pane registry for the HTTP API.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Start launches the registry poll loop and the pipeline loop. Returns
// immediately; Stop tears everything down.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reg.Start(ctx, s.cfg.Capture.RegistryInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	log.Println("[bridge] pipeline started")
}

// Stop cancels the pipeline and waits for all goroutines to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.reader.Stop()
	s.wg.Wait()
	log.Println("[bridge] pipeline stopped")
}

func (s *Service) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-s.reg.Updates():
			s.applyDiff(ctx, diff)
		case snap := <-s.snapshots:
			s.handleSnapshot(ctx, snap)
		case paneID := <-s.paneGone:
			s.closePane(ctx, paneID)
		}
	}
}

func (s *Service) applyDiff(ctx context.Context, diff registry.Diff) {
	for _, p := range diff.Added {
		s.mu.Lock()
		s.projects[p.PaneID] = p.ProjectID
		s.mu.Unlock()
		s.reader.Watch(ctx, p.PaneID)
	}
	for _, p := range diff.Removed {
		s.reader.Unwatch(p.PaneID)
		s.closePane(ctx, p.PaneID)
	}
	if s.tracker != nil {
		s.tracker.SetActivePanes(len(s.reg.Panes()))
	}
}

func (s *Service) handleSnapshot(ctx context.Context, snap capture.Snapshot) {
	s.mu.Lock()
	project, ok := s.projects[snap.PaneID]
	s.mu.Unlock()
	if !ok {
		// Snapshot raced with removal; the pane is already closed.
		return
	}
	for _, cand := range s.detector.Feed(snap.PaneID, project, snap.Content, snap.CapturedAt) {
		if _, err := s.seq.Submit(ctx, cand); err != nil {
			log.Printf("[bridge] submit for pane %s failed: %v", snap.PaneID, err)
			return
		}
	}
}

// closePane finishes a pane's lifecycle exactly once: drop the delta
// cache and seal a closing status event so subscribers observe the
// removal in stream order. Capture teardown and registry removal can
// both get here; whoever arrives second finds the pane already gone.
func (s *Service) closePane(ctx context.Context, paneID string) {
	s.mu.Lock()
	project, ok := s.projects[paneID]
	if ok {
		delete(s.projects, paneID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.detector.Forget(paneID)
	if _, err := s.seq.Submit(ctx, event.Candidate{
		PaneID:    paneID,
		ProjectID: project,
		Kind:      event.Status,
		Content:   "pane closed",
	}); err != nil {
		log.Printf("[bridge] close event for pane %s failed: %v", paneID, err)
	}
}

// onPaneGone runs on a capture goroutine; hand the pane to the pipeline
// loop so teardown stays single-threaded.
func (s *Service) onPaneGone(paneID string) {
	select {
	case s.paneGone <- paneID:
	default:
		log.Printf("[bridge] pane-gone queue full, dropping teardown for %s", paneID)
	}
}
