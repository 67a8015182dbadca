package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/panewatch/backend/internal/event"
)

var ErrNotFound = errors.New("not found")

// Store is the append-only durable log of normalized events, backed by
// SQLite in WAL mode. All appends arrive through the sequencer (single
// logical writer); queries run concurrently on their own connections.
type Store struct {
	db *sql.DB
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY,
	pane_id TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL CHECK(kind IN ('output','question','error','status','cost')),
	content TEXT NOT NULL,
	ts TEXT NOT NULL,
	question TEXT,
	cost TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_pane ON events(pane_id, id);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`,
}

// Open creates or opens the event log at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil && !isMissingTable(err) {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			i+1, ts(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append persists one sequenced event. It returns only after the insert
// has committed, so an acknowledged event survives a process crash.
// Appending an id that already exists is an error; ids are assigned
// exactly once.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	var question, cost any
	if ev.Question != nil {
		data, err := json.Marshal(ev.Question)
		if err != nil {
			return fmt.Errorf("marshal question metadata: %w", err)
		}
		question = string(data)
	}
	if ev.Cost != nil {
		data, err := json.Marshal(ev.Cost)
		if err != nil {
			return fmt.Errorf("marshal cost metadata: %w", err)
		}
		cost = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(id, pane_id, project_id, kind, content, ts, question, cost)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ev.PaneID, ev.ProjectID, ev.Kind.String(), ev.Content, ts(ev.Timestamp), question, cost)
	if err != nil {
		return fmt.Errorf("append event %d: %w", ev.ID, err)
	}
	return nil
}

// Query describes a filtered range read over the event log.
type Query struct {
	ProjectID string
	PaneID    string
	Kind      *event.Kind
	Since     time.Time
	AfterID   int64
	Limit     int    // clamped to 1..1000, default 100
	Order     string // "asc" (default) or "desc"
}

// Result is a page of events plus the total match count for the filters.
type Result struct {
	Events  []*event.Event
	Total   int
	HasMore bool
}

// Run executes the query. Events are returned in the requested order;
// Total counts all matches regardless of limit.
func (s *Store) Run(ctx context.Context, q Query) (*Result, error) {
	where, args := buildFilters(q)

	var total int
	countSQL := `SELECT COUNT(*) FROM events` + where
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	order := "ASC"
	if strings.EqualFold(q.Order, "desc") {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pane_id, project_id, kind, content, ts, question, cost FROM events`+
			where+` ORDER BY id `+order+` LIMIT ?`,
		append(append([]any{}, args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*event.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}

	return &Result{
		Events:  events,
		Total:   total,
		HasMore: total > len(events),
	}, nil
}

func buildFilters(q Query) (string, []any) {
	var conds []string
	var args []any
	if q.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.PaneID != "" {
		conds = append(conds, "pane_id = ?")
		args = append(args, q.PaneID)
	}
	if q.Kind != nil {
		conds = append(conds, "kind = ?")
		args = append(args, q.Kind.String())
	}
	if !q.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, ts(q.Since))
	}
	if q.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, q.AfterID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// MaxID returns the highest persisted event id, 0 when the log is empty.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	return id, nil
}

// MinID returns the lowest persisted event id, 0 when the log is empty.
// The retention horizon for gap detection: cursors below this cannot be
// served completely.
func (s *Store) MinID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MIN(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("min event id: %w", err)
	}
	return id, nil
}

// Tail returns the most recent n events in ascending id order.
func (s *Store) Tail(ctx context.Context, n int) ([]*event.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pane_id, project_id, kind, content, ts, question, cost
FROM (SELECT * FROM events ORDER BY id DESC LIMIT ?)
ORDER BY id ASC
`, n)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter tail: %w", err)
	}
	return events, nil
}

// LastEventForPane returns the newest event for one pane, or ErrNotFound.
// Used during recovery to locate each live pane's resynchronization point.
func (s *Store) LastEventForPane(ctx context.Context, paneID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pane_id, project_id, kind, content, ts, question, cost
FROM events WHERE pane_id = ? ORDER BY id DESC LIMIT 1
`, paneID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Trim applies the retention policy: events older than maxAge are
// deleted, and each pane keeps at most perPane events. Zero disables the
// respective bound. Returns the number of deleted rows.
func (s *Store) Trim(ctx context.Context, maxAge time.Duration, perPane int) (int64, error) {
	var deleted int64

	if maxAge > 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, ts(time.Now().Add(-maxAge)))
		if err != nil {
			return deleted, fmt.Errorf("trim by age: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}

	if perPane > 0 {
		res, err := s.db.ExecContext(ctx, `
DELETE FROM events WHERE id IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY pane_id ORDER BY id DESC) AS rn
		FROM events
	) WHERE rn > ?
)
`, perPane)
		if err != nil {
			return deleted, fmt.Errorf("trim by count: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}

	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev       event.Event
		kind     string
		tsStr    string
		question sql.NullString
		cost     sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.PaneID, &ev.ProjectID, &kind, &ev.Content, &tsStr, &question, &cost); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if k, ok := event.ParseKind(kind); ok {
		ev.Kind = k
	}
	t, err := parseTS(tsStr)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	ev.Timestamp = t
	if question.Valid && question.String != "" {
		var meta event.QuestionMeta
		if err := json.Unmarshal([]byte(question.String), &meta); err != nil {
			return nil, fmt.Errorf("decode question metadata: %w", err)
		}
		ev.Question = &meta
	}
	if cost.Valid && cost.String != "" {
		var meta event.CostMeta
		if err := json.Unmarshal([]byte(cost.String), &meta); err != nil {
			return nil, fmt.Errorf("decode cost metadata: %w", err)
		}
		ev.Cost = &meta
	}
	return &ev, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
