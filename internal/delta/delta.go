package delta

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/panewatch/backend/internal/event"
)

// Config holds the classification marker sets. The question grammar is a
// heuristic over free-form agent output; callers load these from
// configuration so the grammar can evolve without a rebuild.
type Config struct {
	ErrorMarkers    []string
	StatusMarkers   []string
	QuestionGlyphs  []string
	QuestionPrompts []string
}

// Detector turns successive pane snapshots into classified event
// candidates. It keeps the previous plain-text snapshot per pane; that
// cache is the only state and is released when a pane goes away.
type Detector struct {
	cfg Config

	mu   sync.Mutex
	prev map[string]string // paneID -> previous plain text
}

func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:  cfg,
		prev: make(map[string]string),
	}
}

// SetBaseline records raw as the pane's previous snapshot without
// emitting anything. The recovery manager uses this when a live pane's
// content already matches the durable log, so restart does not replay it.
func (d *Detector) SetBaseline(paneID, raw string) {
	plain := normalize(raw)
	d.mu.Lock()
	d.prev[paneID] = plain
	d.mu.Unlock()
}

// Forget releases the pane's cached snapshot. Called on pane removal to
// keep memory bounded.
func (d *Detector) Forget(paneID string) {
	d.mu.Lock()
	delete(d.prev, paneID)
	d.mu.Unlock()
}

// Feed diffs the pane's new snapshot against the previous one and
// returns zero or more classified candidates. An unchanged snapshot
// returns nothing -- the stream never carries no-op entries.
func (d *Detector) Feed(paneID, projectID, raw string, at time.Time) []event.Candidate {
	plain := normalize(raw)

	d.mu.Lock()
	prev, seen := d.prev[paneID]
	d.prev[paneID] = plain
	d.mu.Unlock()

	if seen && plain == prev {
		return nil
	}

	newText, resync := diff(prev, plain)
	if resync {
		log.Printf("[delta] pane %s resynchronized (previous snapshot no longer a prefix)", paneID)
	}
	if strings.TrimSpace(newText) == "" {
		return nil
	}

	return d.classify(paneID, projectID, newText, at)
}

// diff extracts the text in cur that was not present in prev. Terminal
// output is append-mostly, so the longest-common-prefix method is enough
// and stays O(n). When the pane scrolled past its capture window the
// prefix no longer matches; a line-overlap scan recovers the common
// tail. If even that fails (pane cleared, alternate screen), the entire
// current content is treated as new and resync is reported.
func diff(prev, cur string) (newText string, resync bool) {
	if prev == "" {
		return cur, false
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):], false
	}

	prevLines := strings.Split(prev, "\n")
	curLines := strings.Split(cur, "\n")

	// The last previous line may have grown in place (progress output,
	// "Building..." -> "Building... done"). Peel it off and match it as
	// a prefix of the corresponding current line instead.
	if tail, ok := overlapTail(prevLines, curLines); ok {
		return tail, false
	}

	return cur, true
}

// overlapTail finds the longest suffix of prevLines that matches a
// prefix of curLines, allowing the boundary line to have been extended
// in place. Returns the text after the overlap.
func overlapTail(prevLines, curLines []string) (string, bool) {
	// Try the largest overlap first: drop lines scrolled off the top of
	// the previous snapshot one at a time.
	for skip := 0; skip < len(prevLines); skip++ {
		window := prevLines[skip:]
		if len(window) > len(curLines) {
			continue
		}
		// An all-blank window matches anything; that is a resync, not
		// an overlap.
		if !hasContent(window) {
			break
		}
		if !linesMatch(window, curLines) {
			continue
		}
		n := len(window)
		// Everything from the boundary line's extension onward is new.
		last := window[n-1]
		extended := strings.TrimPrefix(curLines[n-1], last)
		rest := strings.Join(curLines[n:], "\n")
		switch {
		case extended != "" && rest != "":
			return extended + "\n" + rest, true
		case extended != "":
			return extended, true
		default:
			return rest, true
		}
	}
	return "", false
}

func hasContent(lines []string) bool {
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			return true
		}
	}
	return false
}

// linesMatch reports whether window matches the head of curLines, with
// the final window line allowed to be a prefix of its counterpart.
func linesMatch(window, curLines []string) bool {
	for i, line := range window {
		if i == len(window)-1 {
			return strings.HasPrefix(curLines[i], line)
		}
		if curLines[i] != line {
			return false
		}
	}
	return false
}

// classify turns one delta into candidates. A question block found
// inside the delta is emitted as its own candidate with surrounding
// output kept separate; everything else stays coalesced in one event,
// since coalescing is safer than risking mis-ordered splits.
func (d *Detector) classify(paneID, projectID, text string, at time.Time) []event.Candidate {
	var out []event.Candidate

	emit := func(kind event.Kind, content string, q *event.QuestionMeta) {
		if strings.TrimSpace(content) == "" {
			return
		}
		out = append(out, event.Candidate{
			PaneID:    paneID,
			ProjectID: projectID,
			Kind:      kind,
			Content:   content,
			Timestamp: at,
			Question:  q,
		})
	}

	if meta, start, end, ok := parseQuestion(text, d.cfg.QuestionGlyphs, d.cfg.QuestionPrompts); ok {
		before := text[:start]
		block := text[start:end]
		after := text[end:]
		emit(d.markerKind(before), before, nil)
		emit(event.Question, block, meta)
		emit(d.markerKind(after), after, nil)
		return out
	}

	emit(d.markerKind(text), text, nil)
	return out
}

// markerKind scans text for recognized error and status markers. Error
// wins over status; the default is plain output.
func (d *Detector) markerKind(text string) event.Kind {
	for _, m := range d.cfg.ErrorMarkers {
		if strings.Contains(text, m) {
			return event.Error
		}
	}
	for _, m := range d.cfg.StatusMarkers {
		if strings.Contains(text, m) {
			return event.Status
		}
	}
	return event.Output
}

// normalize strips terminal escape sequences and trailing whitespace so
// that cursor movement and viewport padding never masquerade as new
// content. Trailing whitespace per line varies with pane width; dropping
// it keeps the prefix relation stable across captures.
func normalize(raw string) string {
	plain := ansi.Strip(raw)
	plain = strings.ReplaceAll(plain, "\r\n", "\n")
	plain = strings.ReplaceAll(plain, "\r", "\n")
	lines := strings.Split(plain, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	joined := strings.Join(lines, "\n")
	return strings.TrimRight(joined, "\n")
}
