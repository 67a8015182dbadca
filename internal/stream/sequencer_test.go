package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panewatch/backend/internal/event"
)

// recordingStore captures appended events and can fail a configurable
// number of times per event to exercise the retry path.
type recordingStore struct {
	mu       sync.Mutex
	events   []*event.Event
	failures int // remaining forced failures
}

func (s *recordingStore) Append(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingStore) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.ID
	}
	return out
}

type recordingPub struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPub) Publish(ev *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestSequencer_IDsStrictlyIncreasing(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPub{}
	seq := NewSequencer(100, store, pub, 3)
	ctx := context.Background()

	// Concurrent submitters from several "panes" must still observe
	// strictly increasing, collision-free ids.
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(pane int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := seq.Submit(ctx, event.Candidate{
					PaneID:  fmt.Sprintf("%%%d", pane),
					Kind:    event.Output,
					Content: "x",
				})
				if err != nil {
					t.Errorf("Submit: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()
	seq.Flush()

	ids := store.ids()
	if len(ids) != 100 {
		t.Fatalf("store has %d events, want 100", len(ids))
	}
	seen := make(map[int64]bool)
	for i, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
		if i > 0 && id <= ids[i-1] {
			t.Fatalf("store order not increasing: %d after %d", id, ids[i-1])
		}
	}
	if seq.LastID() != 100 {
		t.Errorf("LastID = %d, want 100", seq.LastID())
	}

	// Broadcast order must match durable order.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i, ev := range pub.events {
		if ev.ID != ids[i] {
			t.Fatalf("publish order diverges from store order at %d: %d vs %d", i, ev.ID, ids[i])
		}
	}
}

func TestSequencer_RingEvictionKeepsDurableCopy(t *testing.T) {
	store := &recordingStore{}
	seq := NewSequencer(50, store, nil, 3)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if _, err := seq.Submit(ctx, event.Candidate{PaneID: "%1", Kind: event.Output, Content: "x"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	seq.Flush()

	recent := seq.Recent("", 0)
	if len(recent) != 50 {
		t.Fatalf("Recent = %d events, want latest 50", len(recent))
	}
	if recent[0].ID != 11 || recent[49].ID != 60 {
		t.Errorf("Recent window = [%d..%d], want [11..60]", recent[0].ID, recent[49].ID)
	}
	if got := len(store.ids()); got != 60 {
		t.Errorf("store has %d events, want all 60", got)
	}
}

func TestSequencer_AppendRetriesThenSucceeds(t *testing.T) {
	store := &recordingStore{failures: 2}
	seq := NewSequencer(10, store, nil, 3)

	ev, err := seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	seq.Flush()
	ids := store.ids()
	if len(ids) != 1 || ids[0] != ev.ID {
		t.Fatalf("expected event %d durably stored after retries, got %v", ev.ID, ids)
	}
}

func TestSequencer_AppendExhaustionDoesNotFailSubmit(t *testing.T) {
	store := &recordingStore{failures: 100}
	pub := &recordingPub{}
	seq := NewSequencer(10, store, pub, 2)

	ev, err := seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "x"})
	if err != nil {
		t.Fatalf("Submit should degrade, not fail: %v", err)
	}
	seq.Flush()
	if len(store.ids()) != 0 {
		t.Error("store should have nothing after exhausted retries")
	}
	// The event is still delivered live and kept in the window.
	if len(pub.events) != 1 || pub.events[0].ID != ev.ID {
		t.Error("event should still be published memory-only")
	}
	if recent := seq.Recent("", 0); len(recent) != 1 {
		t.Error("event should remain in the ring")
	}
}

// stallingStore blocks every Append until released, simulating a disk
// stall.
type stallingStore struct {
	recordingStore
	release chan struct{}
}

func (s *stallingStore) Append(ctx context.Context, ev *event.Event) error {
	<-s.release
	return s.recordingStore.Append(ctx, ev)
}

func TestSequencer_StalledAppendDoesNotBlockSubmit(t *testing.T) {
	store := &stallingStore{release: make(chan struct{})}
	seq := NewSequencer(10, store, nil, 1)
	ctx := context.Background()

	// The writer is stuck on the first pane's append; the second pane's
	// submission must still get its id immediately.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := seq.Submit(ctx, event.Candidate{PaneID: "%1", Kind: event.Output, Content: "x"}); err != nil {
			t.Errorf("Submit pane 1: %v", err)
		}
		if _, err := seq.Submit(ctx, event.Candidate{PaneID: "%2", Kind: event.Output, Content: "y"}); err != nil {
			t.Errorf("Submit pane 2: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("id assignment blocked behind a stalled durable append")
	}

	close(store.release)
	seq.Flush()
	ids := store.ids()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("store order after release = %v, want [1 2]", ids)
	}
}

func TestSequencer_SeedSetsCounterAndWindow(t *testing.T) {
	seq := NewSequencer(10, nil, nil, 3)
	tail := []*event.Event{
		{ID: 41, PaneID: "%1"},
		{ID: 42, PaneID: "%1"},
		{ID: 43, PaneID: "%2"},
	}
	seq.Seed(44, tail)

	ev, err := seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ev.ID != 44 {
		t.Errorf("first post-seed id = %d, want 44", ev.ID)
	}

	events, covered := seq.After(40)
	if !covered {
		t.Error("seeded window should cover id 40")
	}
	if len(events) != 4 {
		t.Errorf("After(40) = %d events, want 4", len(events))
	}
}

func TestSequencer_DegradedSkipsStore(t *testing.T) {
	store := &recordingStore{}
	seq := NewSequencer(10, store, nil, 3)
	seq.MarkDegraded()

	if _, err := seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	seq.Flush()
	if len(store.ids()) != 0 {
		t.Error("degraded sequencer must not touch the store")
	}
	if !seq.Degraded() {
		t.Error("Degraded() should report true")
	}
}
