package event

import (
	"encoding/json"
	"time"
)

// Kind classifies a normalized event.
type Kind int

const (
	Output Kind = iota
	Question
	Error
	Status
	Cost
)

var kindNames = map[Kind]string{
	Output:   "output",
	Question: "question",
	Error:    "error",
	Status:   "status",
	Cost:     "cost",
}

var kindFromName = map[string]Kind{
	"output":   Output,
	"question": Question,
	"error":    Error,
	"status":   Status,
	"cost":     Cost,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a kind name back to its Kind value. The second return
// is false for unrecognized names.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindFromName[s]
	return k, ok
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// QuestionOption is one enumerated choice inside an interactive question
// block, e.g. "1. Yes — apply the edit".
type QuestionOption struct {
	Number      int    `json:"number"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionMeta carries the structure extracted from an interactive
// question block. Content on the event keeps the raw block verbatim.
type QuestionMeta struct {
	Header   string           `json:"header"`
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
	Prompt   string           `json:"prompt,omitempty"`
}

// CostMeta carries spend data attached to cost-kind events. Reported by
// the metric collaborator, not derived from pane text.
type CostMeta struct {
	USD                 float64 `json:"usd"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64   `json:"cacheCreationTokens,omitempty"`
}

// Event is the immutable unit of the stream. Once the sequencer assigns
// ID, nothing mutates the event again; consumers receive copies.
type Event struct {
	ID        int64         `json:"id"`
	PaneID    string        `json:"paneId"`
	ProjectID string        `json:"projectId"`
	Kind      Kind          `json:"kind"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Question  *QuestionMeta `json:"question,omitempty"`
	Cost      *CostMeta     `json:"cost,omitempty"`
}

// Candidate is an event that has not yet been assigned an ID. Produced by
// the delta detector (output/question/error/status) and the cost ingest
// endpoint (cost), consumed by the sequencer.
type Candidate struct {
	PaneID    string
	ProjectID string
	Kind      Kind
	Content   string
	Timestamp time.Time
	Question  *QuestionMeta
	Cost      *CostMeta
}

// Clone returns a deep copy of the Event, duplicating pointer fields so
// the copy can be retained independently of the original.
func (e *Event) Clone() *Event {
	c := *e
	if e.Question != nil {
		q := *e.Question
		if len(e.Question.Options) > 0 {
			q.Options = make([]QuestionOption, len(e.Question.Options))
			copy(q.Options, e.Question.Options)
		}
		c.Question = &q
	}
	if e.Cost != nil {
		cost := *e.Cost
		c.Cost = &cost
	}
	return &c
}
