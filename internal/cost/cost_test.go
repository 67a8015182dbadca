package cost

import (
	"context"
	"strings"
	"testing"

	"github.com/panewatch/backend/internal/event"
)

type fakeSubmitter struct {
	last event.Candidate
}

func (f *fakeSubmitter) Submit(_ context.Context, cand event.Candidate) (*event.Event, error) {
	f.last = cand
	return &event.Event{
		ID:        7,
		PaneID:    cand.PaneID,
		ProjectID: cand.ProjectID,
		Kind:      cand.Kind,
		Content:   cand.Content,
		Cost:      cand.Cost,
	}, nil
}

func TestIngest(t *testing.T) {
	seq := &fakeSubmitter{}
	ing := NewIngestor(seq)

	ev, err := ing.Ingest(context.Background(), Record{
		PaneID:      "%1",
		ProjectID:   "alpha",
		USD:         0.25,
		InputTokens: 100, OutputTokens: 40,
		Model: "big-model-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != 7 || ev.Kind != event.Cost {
		t.Errorf("event = %+v", ev)
	}
	if seq.last.Cost == nil || seq.last.Cost.USD != 0.25 || seq.last.Cost.InputTokens != 100 {
		t.Errorf("cost meta = %+v", seq.last.Cost)
	}
	if !strings.Contains(seq.last.Content, "$0.2500") || !strings.Contains(seq.last.Content, "big-model-1") {
		t.Errorf("content = %q", seq.last.Content)
	}
}

func TestIngest_Invalid(t *testing.T) {
	ing := NewIngestor(&fakeSubmitter{})
	cases := []Record{
		{USD: 0.1},                            // missing project
		{ProjectID: "alpha", USD: -1},         // negative usd
		{ProjectID: "alpha", InputTokens: -5}, // negative tokens
	}
	for _, rec := range cases {
		if _, err := ing.Ingest(context.Background(), rec); err == nil {
			t.Errorf("record %+v should be rejected", rec)
		}
	}
}
