package capture

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panewatch/backend/internal/tmux"
)

// Snapshot is one pane's full text content at a poll instant. Ephemeral:
// consumed by the delta detector and discarded.
type Snapshot struct {
	PaneID     string
	Content    string
	CapturedAt time.Time
}

// Reader drives one capture goroutine per watched pane. Captures for
// different panes never block each other, and a capture slower than the
// tick interval causes the next tick for that pane to be skipped rather
// than queued.
type Reader struct {
	source   tmux.Reader
	interval time.Duration
	out      chan<- Snapshot
	onGone   func(paneID string) // invoked when capture hits ErrPaneGone

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewReader(source tmux.Reader, interval time.Duration, out chan<- Snapshot, onGone func(string)) *Reader {
	return &Reader{
		source:   source,
		interval: interval,
		out:      out,
		onGone:   onGone,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch starts the capture loop for one pane. Watching an already
// watched pane is a no-op.
func (r *Reader) Watch(ctx context.Context, paneID string) {
	r.mu.Lock()
	if _, ok := r.cancels[paneID]; ok {
		r.mu.Unlock()
		return
	}
	paneCtx, cancel := context.WithCancel(ctx)
	r.cancels[paneID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(paneCtx, paneID)
}

// Unwatch cancels the pane's capture loop. Safe to call for unknown
// panes.
func (r *Reader) Unwatch(paneID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[paneID]
	if ok {
		delete(r.cancels, paneID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels all capture loops and waits for them to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reader) loop(ctx context.Context, paneID string) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Exactly one outstanding capture per pane; ticks that land while a
	// capture is still running are dropped.
	var inFlight atomic.Bool

	capture := func() {
		if !inFlight.CompareAndSwap(false, true) {
			return
		}
		defer inFlight.Store(false)

		captureCtx, cancel := context.WithTimeout(ctx, r.interval*4)
		content, err := r.source.Capture(captureCtx, paneID)
		cancel()
		if err != nil {
			if errors.Is(err, tmux.ErrPaneGone) {
				log.Printf("[capture] pane %s gone, stopping watch", paneID)
				r.Unwatch(paneID)
				if r.onGone != nil {
					r.onGone(paneID)
				}
				return
			}
			if ctx.Err() == nil {
				log.Printf("[capture] pane %s capture failed: %v", paneID, err)
			}
			return
		}

		snap := Snapshot{PaneID: paneID, Content: content, CapturedAt: time.Now().UTC()}
		select {
		case r.out <- snap:
		case <-ctx.Done():
		}
	}

	capture()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			capture()
		}
	}
}
