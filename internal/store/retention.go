package store

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Retainer trims the event log on a schedule. Deletion only touches the
// durable store; events already held in the in-memory window or in a
// client's session stay untouched.
type Retainer struct {
	cron    *cron.Cron
	store   *Store
	maxAge  time.Duration
	perPane int
}

// NewRetainer builds a scheduled trimmer. schedule uses cron syntax,
// including descriptors like "@every 1h". maxAge/perPane of zero disable
// the respective bound.
func NewRetainer(s *Store, schedule string, maxAge time.Duration, perPane int) (*Retainer, error) {
	r := &Retainer{
		cron:    cron.New(),
		store:   s,
		maxAge:  maxAge,
		perPane: perPane,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Retainer) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for an in-flight trim to finish.
func (r *Retainer) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Retainer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deleted, err := r.store.Trim(ctx, r.maxAge, r.perPane)
	if err != nil {
		log.Printf("[store] retention trim failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[store] retention trim removed %d events", deleted)
	}
}
