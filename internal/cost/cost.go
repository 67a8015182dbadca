package cost

import (
	"context"
	"errors"
	"fmt"

	"github.com/panewatch/backend/internal/event"
)

// Record is an inbound cost report posted by agent tooling. Pane
// attribution is optional; project attribution is not.
type Record struct {
	PaneID              string  `json:"paneId,omitempty"`
	ProjectID           string  `json:"projectId"`
	USD                 float64 `json:"usd"`
	InputTokens         int64   `json:"inputTokens,omitempty"`
	OutputTokens        int64   `json:"outputTokens,omitempty"`
	CacheReadTokens     int64   `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64   `json:"cacheCreationTokens,omitempty"`
	Model               string  `json:"model,omitempty"`
}

func (r Record) validate() error {
	if r.ProjectID == "" {
		return errors.New("projectId is required")
	}
	if r.USD < 0 {
		return fmt.Errorf("usd must not be negative, got %f", r.USD)
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 || r.CacheReadTokens < 0 || r.CacheCreationTokens < 0 {
		return errors.New("token counts must not be negative")
	}
	return nil
}

// Submitter is the sequencer surface the ingestor needs.
type Submitter interface {
	Submit(ctx context.Context, cand event.Candidate) (*event.Event, error)
}

// Ingestor turns cost reports into cost-kind events. They enter the
// pipeline through the sequencer like any pane delta, so subscribers
// see cost records in stream order.
type Ingestor struct {
	seq Submitter
}

func NewIngestor(seq Submitter) *Ingestor {
	return &Ingestor{seq: seq}
}

func (i *Ingestor) Ingest(ctx context.Context, rec Record) (*event.Event, error) {
	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("invalid cost record: %w", err)
	}
	content := fmt.Sprintf("cost $%.4f (%d in / %d out)", rec.USD, rec.InputTokens, rec.OutputTokens)
	if rec.Model != "" {
		content += " " + rec.Model
	}
	return i.seq.Submit(ctx, event.Candidate{
		PaneID:    rec.PaneID,
		ProjectID: rec.ProjectID,
		Kind:      event.Cost,
		Content:   content,
		Cost: &event.CostMeta{
			USD:                 rec.USD,
			InputTokens:         rec.InputTokens,
			OutputTokens:        rec.OutputTokens,
			CacheReadTokens:     rec.CacheReadTokens,
			CacheCreationTokens: rec.CacheCreationTokens,
		},
	})
}
