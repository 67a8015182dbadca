package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrPaneGone indicates the requested pane no longer exists. Expected
// during pane teardown; callers treat it as a removal signal, not a fault.
var ErrPaneGone = errors.New("pane gone")

// Pane describes one tmux pane as reported by list-panes.
type Pane struct {
	PaneID      string // stable tmux pane id, e.g. "%12"
	SessionName string
	WindowIndex int
	PaneIndex   int
	PanePID     int    // PID of the shell running inside this pane
	CurrentPath string // pane's working directory
	Target      string // pre-formatted "main:2.0" for tmux commands
}

// Lister enumerates the panes that currently exist. Implemented by the
// tmux CLI adapter below; tests substitute fakes.
type Lister interface {
	ListPanes(ctx context.Context) ([]Pane, error)
}

// Reader captures the full current text content of one pane.
// Returns ErrPaneGone when the pane has disappeared.
type Reader interface {
	Capture(ctx context.Context, paneID string) (string, error)
}

// CLI shells out to the tmux binary for listing and capture.
type CLI struct {
	path         string
	historyLines int // scrollback lines included in each capture
}

// NewCLI locates the tmux binary. Returns an error when tmux is not
// installed; the caller decides whether that is fatal (mock mode is not).
func NewCLI(historyLines int) (*CLI, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, fmt.Errorf("tmux not found: %w", err)
	}
	if historyLines <= 0 {
		historyLines = 200
	}
	return &CLI{path: path, historyLines: historyLines}, nil
}

func (c *CLI) ListPanes(ctx context.Context) ([]Pane, error) {
	out, err := exec.CommandContext(ctx, c.path, "list-panes", "-a", "-F",
		"#{pane_id}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_pid}\t#{pane_current_path}").Output()
	if err != nil {
		if noServerRunning(err) {
			// tmux server not running means zero panes, not a failure.
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-panes: %w", err)
	}
	return ParsePaneList(string(out)), nil
}

func (c *CLI) Capture(ctx context.Context, paneID string) (string, error) {
	// -p prints to stdout, -e keeps escape sequences (the delta detector
	// strips them), -J joins wrapped lines, -S bounds the scrollback read.
	out, err := exec.CommandContext(ctx, c.path, "capture-pane", "-p", "-e", "-J",
		"-t", paneID, "-S", fmt.Sprintf("-%d", c.historyLines)).Output()
	if err != nil {
		if paneMissing(err) || noServerRunning(err) {
			return "", ErrPaneGone
		}
		return "", fmt.Errorf("tmux capture-pane %s: %w", paneID, err)
	}
	return string(out), nil
}

// ParsePaneList parses the tab-separated output of tmux list-panes.
// Malformed lines are skipped rather than failing the whole listing.
func ParsePaneList(output string) []Pane {
	var panes []Pane
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			continue
		}
		if !strings.HasPrefix(fields[0], "%") {
			continue
		}

		winIdx, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		paneIdx, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}

		panes = append(panes, Pane{
			PaneID:      fields[0],
			SessionName: fields[1],
			WindowIndex: winIdx,
			PaneIndex:   paneIdx,
			PanePID:     pid,
			CurrentPath: fields[5],
			Target:      fmt.Sprintf("%s:%d.%d", fields[1], winIdx, paneIdx),
		})
	}
	return panes
}

// paneMissing reports whether a capture-pane failure was caused by the
// target pane no longer existing.
func paneMissing(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "no such pane")
}

// noServerRunning reports whether a tmux command failed because no tmux
// server is running at all.
func noServerRunning(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}
