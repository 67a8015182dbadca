package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/panewatch/backend/internal/config"
	"github.com/panewatch/backend/internal/cost"
	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/registry"
	"github.com/panewatch/backend/internal/stats"
	"github.com/panewatch/backend/internal/store"
	"github.com/panewatch/backend/internal/stream"
)

// PaneLister is the registry surface the API needs.
type PaneLister interface {
	Panes() []registry.Pane
}

type Server struct {
	config         *config.Config
	broadcaster    *Broadcaster
	seq            *stream.Sequencer
	eventLog       *store.Store // nil in memory-only mode
	tracker        *stats.Tracker
	ingestor       *cost.Ingestor
	panes          PaneLister
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	startedAt      time.Time
}

func NewServer(cfg *config.Config, broadcaster *Broadcaster, seq *stream.Sequencer, eventLog *store.Store, tracker *stats.Tracker, ingestor *cost.Ingestor, panes PaneLister) *Server {
	s := &Server{
		config:         cfg,
		broadcaster:    broadcaster,
		seq:            seq,
		eventLog:       eventLog,
		tracker:        tracker,
		ingestor:       ingestor,
		panes:          panes,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		startedAt:      time.Now().UTC(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/ws", s.handleWS)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/panes", s.handlePanes)
		r.Get("/api/stats", s.handleStats)
		r.Post("/api/cost", s.handleCost)
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[ws] rejecting %s: %v", r.RemoteAddr, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return
	}
	log.Printf("[ws] client %s connected from %s", c.id, r.RemoteAddr)

	// The handler owns the read side until the client goes away; the
	// connection is hijacked, so blocking here is fine.
	defer func() {
		s.broadcaster.RemoveClient(c)
		log.Printf("[ws] client %s disconnected", c.id)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.broadcaster.HandleMessage(context.Background(), c, data)
	}
}

type eventsResponse struct {
	Events  []*event.Event `json:"events"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
	Source  string         `json:"source"`
}

// handleEvents serves the query interface. Requests the in-memory
// window can answer completely are served from it; everything else
// falls through to the durable log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind *event.Kind
	if raw := q.Get("kind"); raw != "" {
		k, ok := event.ParseKind(raw)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown kind %q", raw), http.StatusBadRequest)
			return
		}
		kind = &k
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	afterID, err := parseInt64(q.Get("after_id"))
	if err != nil || afterID < 0 {
		http.Error(w, "after_id must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := parseInt64(q.Get("limit"))
	if err != nil || limit < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}

	query := store.Query{
		ProjectID: q.Get("project"),
		PaneID:    q.Get("pane"),
		Kind:      kind,
		Since:     since,
		AfterID:   afterID,
		Limit:     int(limit),
		Order:     q.Get("order"),
	}

	if s.eventLog == nil || s.seq.Degraded() {
		writeJSON(w, s.bufferEvents(query))
		return
	}
	// The ring can only answer cursor reads it fully covers, and it
	// carries no timestamp index.
	if afterID > 0 && since.IsZero() {
		if _, covered := s.seq.After(afterID); covered {
			writeJSON(w, s.bufferEvents(query))
			return
		}
	}

	res, err := s.eventLog.Run(r.Context(), query)
	if err != nil {
		log.Printf("[ws] event query failed: %v", err)
		http.Error(w, "event query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, eventsResponse{
		Events:  res.Events,
		Total:   res.Total,
		HasMore: res.HasMore,
		Source:  "store",
	})
}

// bufferEvents answers a query from the ring, applying the store's
// filter semantics in memory.
func (s *Server) bufferEvents(q store.Query) eventsResponse {
	var events []*event.Event
	if q.AfterID > 0 {
		events, _ = s.seq.After(q.AfterID)
	} else {
		events = s.seq.Recent("", 0)
	}

	filtered := make([]*event.Event, 0, len(events))
	for _, ev := range events {
		if q.PaneID != "" && ev.PaneID != q.PaneID {
			continue
		}
		if q.ProjectID != "" && ev.ProjectID != q.ProjectID {
			continue
		}
		if q.Kind != nil && ev.Kind != *q.Kind {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		filtered = append(filtered, ev)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	total := len(filtered)
	if strings.EqualFold(q.Order, "desc") {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return eventsResponse{
		Events:  filtered,
		Total:   total,
		HasMore: total > len(filtered),
		Source:  "buffer",
	}
}

func (s *Server) handlePanes(w http.ResponseWriter, r *http.Request) {
	if s.panes == nil {
		writeJSON(w, []registry.Pane{})
		return
	}
	writeJSON(w, s.panes.Panes())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.tracker.Stats())
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		http.Error(w, "cost ingest not available", http.StatusServiceUnavailable)
		return
	}
	var rec cost.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ev, err := s.ingestor.Ingest(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int64{"id": ev.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"memoryOnly": s.seq.Degraded(),
		"lastId":     s.seq.LastID(),
		"clients":    s.broadcaster.ClientCount(),
		"uptimeSec":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Panewatch-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func ListenAndServe(host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("[server] listening on %s", addr)
	return http.ListenAndServe(addr, handler)
}
