package stream

import (
	"github.com/panewatch/backend/internal/event"
)

// Ring is a fixed-capacity circular buffer holding the most recent
// sequenced events, oldest evicted first. It is not safe for concurrent
// use; the Sequencer owns it and serializes access under its own lock.
type Ring struct {
	buf  []*event.Event
	head int // index of the oldest entry
	size int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]*event.Event, capacity)}
}

func (r *Ring) Capacity() int { return len(r.buf) }
func (r *Ring) Len() int      { return r.size }

// Append adds an event, evicting the oldest entry when full. Eviction
// only affects the in-memory window; the durable copy is untouched.
func (r *Ring) Append(ev *event.Event) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// OldestID returns the id of the oldest buffered event, or 0 when empty.
func (r *Ring) OldestID() int64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[r.head].ID
}

// NewestID returns the id of the newest buffered event, or 0 when empty.
func (r *Ring) NewestID() int64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)].ID
}

// Covers reports whether every event with id > afterID is still present
// in the buffer, i.e. a backfill from afterID can be answered without
// touching the durable store.
func (r *Ring) Covers(afterID int64) bool {
	if r.size == 0 {
		// Nothing buffered means nothing was evicted either; an empty
		// answer is complete only if nothing was ever sequenced. The
		// sequencer seeds the ring on recovery, so an empty ring at
		// steady state implies an empty stream.
		return true
	}
	return r.OldestID() <= afterID+1
}

// Recent returns up to limit buffered events in id order, optionally
// filtered by pane. limit <= 0 means no limit. The returned slice shares
// event pointers with the buffer; events are immutable once sequenced.
func (r *Ring) Recent(paneID string, limit int) []*event.Event {
	if r.size == 0 {
		return nil
	}
	out := make([]*event.Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.head+i)%len(r.buf)]
		if paneID != "" && ev.PaneID != paneID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// After returns buffered events with id strictly greater than afterID,
// in id order.
func (r *Ring) After(afterID int64) []*event.Event {
	if r.size == 0 {
		return nil
	}
	out := make([]*event.Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.head+i)%len(r.buf)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}
