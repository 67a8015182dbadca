package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/stats"
	"github.com/panewatch/backend/internal/store"
	"github.com/panewatch/backend/internal/stream"
)

var ErrTooManyConnections = errors.New("too many connections")

type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, queueSize int, pingInterval time.Duration) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queueSize),
	}
	go c.writePump(pingInterval)
	return c
}

// writePump owns the connection for writing: queued messages plus the
// periodic ping control frame. Exits when send is closed or a write
// fails.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data for the write pump. It reports false only when
// the client is live and its queue is full; messages for a client that
// is already shutting down are dropped silently. The closed flag is
// checked under the same lock that close takes, so a late sender can
// never hit a closed channel.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Options tunes the hub. Zero values get sane defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	QueueSize         int
	MaxConnections    int // 0 = unlimited
	SyncBacklog       int
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatTimeout <= o.HeartbeatInterval {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.SyncBacklog <= 0 {
		o.SyncBacklog = 200
	}
}

// Broadcaster is the subscriber hub. It receives every sequenced event
// via Publish and fans it out over per-client bounded queues; a client
// whose queue overruns is disconnected rather than allowed to stall the
// pipeline.
type Broadcaster struct {
	seq      *stream.Sequencer
	eventLog *store.Store // nil in memory-only mode
	tracker  *stats.Tracker
	opts     Options

	mu      sync.RWMutex
	clients map[*client]bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewBroadcaster(seq *stream.Sequencer, eventLog *store.Store, tracker *stats.Tracker, opts Options) *Broadcaster {
	opts.defaults()
	b := &Broadcaster{
		seq:      seq,
		eventLog: eventLog,
		tracker:  tracker,
		opts:     opts,
		clients:  make(map[*client]bool),
		stop:     make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Publish implements stream.Publisher. Called by the sequencer with its
// lock held, so it must never block: every send below is non-blocking.
func (b *Broadcaster) Publish(ev *event.Event) {
	if b.tracker != nil {
		b.tracker.Observe(ev)
	}
	data, err := newEnvelope(MsgEvent, ev)
	if err != nil {
		log.Printf("[ws] event marshal error: %v", err)
		return
	}
	b.broadcast(data)
}

// AddClient registers a new subscriber and sends it the connected
// greeting plus an initial sync of the recent window. The snapshot and
// the registration for live fan-out happen under the sequencer lock, so
// no event can slip between them: the client receives the snapshot
// first and then every event past its lastId exactly once.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := newClient(conn, b.opts.QueueSize, b.opts.HeartbeatInterval)

	// Pong extends the liveness deadline; a silent client times out.
	conn.SetReadDeadline(time.Now().Add(b.opts.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.opts.HeartbeatTimeout))
	})

	greeting, err := newEnvelope(MsgConnected, ConnectedPayload{
		ClientID:          c.id,
		HeartbeatInterval: b.opts.HeartbeatInterval / time.Millisecond,
		MemoryOnly:        b.seq.Degraded(),
	})
	if err != nil {
		c.close()
		return nil, err
	}

	var regErr error
	b.seq.Attach(b.opts.SyncBacklog, func(lastID int64, recent []*event.Event) {
		payload := &SyncPayload{Events: recent, LastID: lastID, Source: "buffer"}
		if b.tracker != nil {
			payload.Stats = b.tracker.Stats()
		}
		snapshot, err := newEnvelope(MsgSync, payload)
		if err != nil {
			regErr = err
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.opts.MaxConnections > 0 && len(b.clients) >= b.opts.MaxConnections {
			regErr = ErrTooManyConnections
			return
		}
		c.trySend(greeting)
		c.trySend(snapshot)
		b.clients[c] = true
	})
	if regErr != nil {
		c.close()
		return nil, regErr
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects all clients and stops the heartbeat loop.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// HandleMessage processes one inbound client message. Malformed input
// earns an error envelope, never a disconnect: a confused client can
// correct itself.
func (b *Broadcaster) HandleMessage(ctx context.Context, c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.sendTo(c, MsgError, ErrorPayload{
			Code:    CodeMalformedSyncRequest,
			Message: "message is not a valid envelope",
		})
		return
	}
	switch env.Type {
	case MsgSyncRequest:
		var req SyncRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.AfterID < 0 {
			b.sendTo(c, MsgError, ErrorPayload{
				Code:    CodeMalformedSyncRequest,
				Message: "sync_request payload must carry a non-negative afterId",
			})
			return
		}
		b.sendSync(ctx, c, req)
	default:
		b.sendTo(c, MsgError, ErrorPayload{
			Code:    CodeUnknownMessage,
			Message: "unsupported message type " + string(env.Type),
		})
	}
}

// sendSync builds and delivers the backlog for one client. The ring
// serves the request when it covers the cursor; otherwise the durable
// log does, with an explicit gap flag when the cursor has fallen past
// the retention horizon.
func (b *Broadcaster) sendSync(ctx context.Context, c *client, req SyncRequestPayload) {
	payload, err := b.buildSync(ctx, req)
	if err != nil {
		log.Printf("[ws] sync for client %s failed: %v", c.id, err)
		b.sendTo(c, MsgError, ErrorPayload{
			Code:    CodeSyncFailed,
			Message: "backlog read failed, retry sync_request",
		})
		return
	}
	b.sendTo(c, MsgSync, payload)
}

func (b *Broadcaster) buildSync(ctx context.Context, req SyncRequestPayload) (*SyncPayload, error) {
	payload := &SyncPayload{
		LastID: b.seq.LastID(),
		Source: "buffer",
	}
	if b.tracker != nil {
		payload.Stats = b.tracker.Stats()
	}

	if req.AfterID == 0 {
		payload.Events = b.seq.Recent(req.PaneID, b.opts.SyncBacklog)
		return payload, nil
	}

	events, covered := b.seq.After(req.AfterID)
	if covered {
		payload.Events = filterPane(events, req.PaneID)
		return payload, nil
	}

	if b.eventLog == nil || b.seq.Degraded() {
		// Memory-only: the ring is all there is. Signal the gap.
		payload.Events = filterPane(events, req.PaneID)
		payload.Gap = true
		return payload, nil
	}

	res, err := b.eventLog.Run(ctx, store.Query{
		AfterID: req.AfterID,
		PaneID:  req.PaneID,
		Limit:   b.opts.SyncBacklog,
		Order:   "asc",
	})
	if err != nil {
		return nil, err
	}
	payload.Events = res.Events
	payload.Source = "store"
	payload.HasMore = res.HasMore

	minID, err := b.eventLog.MinID(ctx)
	if err != nil {
		return nil, err
	}
	// Retention may have trimmed events the cursor still expects.
	if minID > req.AfterID+1 {
		payload.Gap = true
	}
	return payload, nil
}

func filterPane(events []*event.Event, paneID string) []*event.Event {
	if paneID == "" {
		return events
	}
	out := make([]*event.Event, 0, len(events))
	for _, ev := range events {
		if ev.PaneID == paneID {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			data, err := newEnvelope(MsgHeartbeat, HeartbeatPayload{
				ServerTime: time.Now().UTC(),
				LastID:     b.seq.LastID(),
			})
			if err != nil {
				continue
			}
			b.broadcast(data)
		}
	}
}

func (b *Broadcaster) sendTo(c *client, t MessageType, payload any) {
	data, err := newEnvelope(t, payload)
	if err != nil {
		log.Printf("[ws] marshal %s: %v", t, err)
		return
	}
	if !c.trySend(data) {
		log.Printf("[ws] client %s overrun, disconnecting", c.id)
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			// Client can't keep up; it must reconnect and sync.
			log.Printf("[ws] client %s overrun, disconnecting", c.id)
			b.RemoveClient(c)
		}
	}
}
