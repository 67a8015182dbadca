package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/tmux"
)

// State names the recovery phases. Transitions are linear; the only
// branch is into memory-only operation when the durable log cannot be
// read.
type State string

const (
	Cold            State = "cold"
	LoadDurableTail State = "load_durable_tail"
	ReconcilePanes  State = "reconcile_panes"
	SeedBuffer      State = "seed_buffer"
	Ready           State = "ready"
	MemoryOnlyReady State = "memory_only_ready"
)

// Log is the durable-store surface recovery reads.
type Log interface {
	MaxID(ctx context.Context) (int64, error)
	Tail(ctx context.Context, n int) ([]*event.Event, error)
}

// Seeder is the sequencer surface recovery writes.
type Seeder interface {
	Seed(nextID int64, tail []*event.Event)
	MarkDegraded()
}

// Baseliner primes the delta detector so content already on screen at
// startup is not replayed as new events.
type Baseliner interface {
	SetBaseline(paneID, raw string)
}

// Manager drives startup: loads the durable tail, seeds the sequencer
// and ring, and reconciles panes that were alive across the restart.
type Manager struct {
	eventLog Log // nil when the store failed to open
	seq      Seeder
	detector Baseliner
	lister   tmux.Lister
	reader   tmux.Reader
	tailSize int

	mu    sync.Mutex
	state State
}

func NewManager(eventLog Log, seq Seeder, detector Baseliner, lister tmux.Lister, reader tmux.Reader, tailSize int) *Manager {
	if tailSize <= 0 {
		tailSize = 1000
	}
	return &Manager{
		eventLog: eventLog,
		seq:      seq,
		detector: detector,
		lister:   lister,
		reader:   reader,
		tailSize: tailSize,
		state:    Cold,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	log.Printf("[recovery] state: %s", s)
}

// Run executes the recovery sequence. It returns an error only for
// context cancellation; persistence trouble degrades to memory-only
// operation instead of failing startup.
func (m *Manager) Run(ctx context.Context) error {
	m.setState(LoadDurableTail)

	if m.eventLog == nil {
		return m.degrade("no durable store")
	}

	maxID, err := m.eventLog.MaxID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.degrade(fmt.Sprintf("read max id: %v", err))
	}
	tail, err := m.eventLog.Tail(ctx, m.tailSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.degrade(fmt.Sprintf("read tail: %v", err))
	}

	m.setState(ReconcilePanes)
	if err := m.reconcile(ctx); err != nil {
		return err
	}

	m.setState(SeedBuffer)
	m.seq.Seed(maxID+1, tail)
	log.Printf("[recovery] seeded sequencer at id %d with %d buffered events", maxID+1, len(tail))

	m.setState(Ready)
	return nil
}

// reconcile baselines every pane that survived the restart. Whatever is
// on screen now was either already captured before the crash or arrived
// while we were down; replaying it would duplicate the former, so the
// next delta starts from here. A pane listing failure is not fatal: the
// registry's poll loop repairs the pane set once it starts.
func (m *Manager) reconcile(ctx context.Context) error {
	if m.lister == nil || m.reader == nil || m.detector == nil {
		return nil
	}
	panes, err := m.lister.ListPanes(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[recovery] pane listing failed, skipping reconcile: %v", err)
		return nil
	}
	for _, p := range panes {
		content, err := m.reader.Capture(ctx, p.PaneID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, tmux.ErrPaneGone) {
				continue
			}
			log.Printf("[recovery] baseline capture for pane %s failed: %v", p.PaneID, err)
			continue
		}
		m.detector.SetBaseline(p.PaneID, content)
	}
	log.Printf("[recovery] reconciled %d live panes", len(panes))
	return nil
}

func (m *Manager) degrade(reason string) error {
	log.Printf("[recovery] persistence unavailable (%s), continuing memory-only", reason)
	m.seq.MarkDegraded()
	m.setState(MemoryOnlyReady)
	return nil
}
