package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/panewatch/backend/internal/event"
)

// Appender is the durable sink for sequenced events. Append must not
// return until the event is safely persisted.
type Appender interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Publisher receives every sequenced event for live fan-out, in
// assignment order. Implementations must not block; the broadcaster
// satisfies this with per-client bounded queues.
type Publisher interface {
	Publish(ev *event.Event)
}

// Sequencer assigns the global monotonic id to every candidate event and
// forwards it, in assignment order, to the durable store and the
// publisher. The mutex is held across assign -> ring -> publish, keeping
// id order and broadcast order identical. Durable appends are handed to
// a dedicated writer goroutine through a channel filled in id order, so
// store order matches too while a disk stall on one pane's append never
// delays id assignment for any other pane.
type Sequencer struct {
	mu       sync.Mutex
	nextID   int64
	ring     *Ring
	store    Appender // nil in memory-only mode
	pub      Publisher
	retries  int
	degraded bool // true once the store has been marked unavailable
	closed   bool // true once Close has stopped the writer

	writeCh   chan writeReq // nil when store is nil
	writeDone chan struct{}
	closeOnce sync.Once
}

// writeReq carries one event to the writer goroutine. A nil ev is a
// flush barrier: the writer acks it once everything queued before it
// has been appended.
type writeReq struct {
	ev      *event.Event
	flushed chan struct{}
}

const writeQueueSize = 1024

func NewSequencer(ringCapacity int, store Appender, pub Publisher, appendRetries int) *Sequencer {
	if appendRetries <= 0 {
		appendRetries = 3
	}
	s := &Sequencer{
		nextID:  1,
		ring:    NewRing(ringCapacity),
		store:   store,
		pub:     pub,
		retries: appendRetries,
	}
	if store != nil {
		s.writeCh = make(chan writeReq, writeQueueSize)
		s.writeDone = make(chan struct{})
		go s.writeLoop()
	}
	return s
}

// SetPublisher wires the live fan-out sink. The broadcaster is built
// after the sequencer (it reads the buffer through it), so the publisher
// arrives late; call this before the pipeline starts submitting.
func (s *Sequencer) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = p
}

// Seed initializes the id counter and pre-populates the ring from the
// durable tail. Called once by the recovery manager before the pipeline
// starts; tail must be in ascending id order.
func (s *Sequencer) Seed(nextID int64, tail []*event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nextID > s.nextID {
		s.nextID = nextID
	}
	for _, ev := range tail {
		s.ring.Append(ev)
	}
}

// MarkDegraded switches the sequencer to memory-only operation. Events
// are still sequenced and broadcast but no longer durably appended.
func (s *Sequencer) MarkDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = true
}

// Degraded reports whether durability is currently degraded.
func (s *Sequencer) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded || s.store == nil
}

// Submit assigns the next id to the candidate and forwards the sealed
// event to the store and publisher. The returned event is immutable.
//
// A persistent append failure degrades that single event to memory-only
// delivery with a logged warning; it never fails the submission.
func (s *Sequencer) Submit(ctx context.Context, cand event.Candidate) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := cand.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := &event.Event{
		ID:        s.nextID,
		PaneID:    cand.PaneID,
		ProjectID: cand.ProjectID,
		Kind:      cand.Kind,
		Content:   cand.Content,
		Timestamp: ts,
		Question:  cand.Question,
		Cost:      cand.Cost,
	}
	s.nextID++

	s.ring.Append(ev)

	if s.writeCh != nil && !s.degraded && !s.closed {
		select {
		case s.writeCh <- writeReq{ev: ev}:
		default:
			// Blocking here would stall id assignment for every pane.
			log.Printf("[stream] durable append queue full, delivering event %d memory-only", ev.ID)
		}
	}

	if s.pub != nil {
		s.pub.Publish(ev)
	}
	return ev, nil
}

// writeLoop is the single durable writer. It consumes events in the
// order they were sequenced, so the store receives ids in assignment
// order even though Submit never waits for the disk.
func (s *Sequencer) writeLoop() {
	defer close(s.writeDone)
	for req := range s.writeCh {
		if req.ev == nil {
			close(req.flushed)
			continue
		}
		if s.Degraded() {
			continue
		}
		if err := s.appendWithRetry(context.Background(), req.ev); err != nil {
			log.Printf("[stream] durable append failed for event %d after %d attempts, delivering memory-only: %v",
				req.ev.ID, s.retries, err)
		}
	}
}

// Flush blocks until every durable append queued so far has been
// attempted. Used by tests and shutdown; a no-op in memory-only mode.
func (s *Sequencer) Flush() {
	if s.writeCh == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	req := writeReq{flushed: make(chan struct{})}
	s.writeCh <- req
	<-req.flushed
}

// Close drains the durable write queue and stops the writer goroutine.
// Events submitted after Close are delivered memory-only.
func (s *Sequencer) Close() {
	if s.writeCh == nil {
		return
	}
	s.closeOnce.Do(func() {
		// Stop enqueues before closing the channel; a Submit racing
		// Close either queued already or sees the flag.
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.writeCh)
		<-s.writeDone
	})
}

func (s *Sequencer) appendWithRetry(ctx context.Context, ev *event.Event) error {
	var err error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < s.retries; attempt++ {
		if err = s.store.Append(ctx, ev); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

// Recent returns the in-memory window, optionally filtered by pane, in
// id order.
func (s *Sequencer) Recent(paneID string, limit int) []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Recent(paneID, limit)
}

// After returns buffered events with id > afterID and whether the buffer
// window actually covers that cursor. When covered is false the caller
// must consult the durable store instead.
func (s *Sequencer) After(afterID int64) (events []*event.Event, covered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.After(afterID), s.ring.Covers(afterID)
}

// Attach runs fn under the sequencer lock with the current last id and
// up to limit recent buffered events. No event can be sequenced while fn
// runs, so a subscriber registered inside fn observes the window once
// and then every later event exactly once.
func (s *Sequencer) Attach(limit int, fn func(lastID int64, recent []*event.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.nextID-1, s.ring.Recent("", limit))
}

// LastID returns the most recently assigned id, 0 if none.
func (s *Sequencer) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1
}
