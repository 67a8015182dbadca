package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/stats"
	"github.com/panewatch/backend/internal/stream"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns both connection ends. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

func newTestHub(opts Options) (*Broadcaster, *stream.Sequencer) {
	seq := stream.NewSequencer(100, nil, nil, 1)
	b := NewBroadcaster(seq, nil, stats.NewTracker(), opts)
	seq.SetPublisher(b)
	return b, seq
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func decodePayload[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func TestAddClient_GreetingAndInitialSync(t *testing.T) {
	b, seq := newTestHub(Options{})
	defer b.Close()

	for i := 1; i <= 3; i++ {
		seq.Submit(context.Background(), event.Candidate{
			PaneID: "%1", ProjectID: "alpha", Kind: event.Output,
			Content: fmt.Sprintf("line %d", i),
		})
	}

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, clientConn)
	if env.Type != MsgConnected {
		t.Fatalf("first message type = %s, want connected", env.Type)
	}
	connected := decodePayload[ConnectedPayload](t, env)
	if connected.ClientID == "" {
		t.Error("connected payload missing client id")
	}
	if !connected.MemoryOnly {
		t.Error("hub built without a store should announce memory-only")
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope timestamp not set")
	}

	env = readEnvelope(t, clientConn)
	if env.Type != MsgSync {
		t.Fatalf("second message type = %s, want sync", env.Type)
	}
	sync := decodePayload[SyncPayload](t, env)
	if len(sync.Events) != 3 || sync.LastID != 3 || sync.Source != "buffer" {
		t.Errorf("sync = events:%d lastId:%d source:%s", len(sync.Events), sync.LastID, sync.Source)
	}
	if sync.Stats == nil || sync.Stats.TotalEvents != 3 {
		t.Errorf("sync stats = %+v", sync.Stats)
	}
}

func TestPublish_DeliversEventEnvelope(t *testing.T) {
	b, seq := newTestHub(Options{})
	defer b.Close()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, clientConn) // connected
	readEnvelope(t, clientConn) // initial sync

	seq.Submit(context.Background(), event.Candidate{
		PaneID: "%1", ProjectID: "alpha", Kind: event.Error, Content: "Error: boom",
	})

	env := readEnvelope(t, clientConn)
	if env.Type != MsgEvent {
		t.Fatalf("type = %s, want event", env.Type)
	}
	ev := decodePayload[event.Event](t, env)
	if ev.ID != 1 || ev.Kind != event.Error || ev.Content != "Error: boom" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSyncRequest_FromBuffer(t *testing.T) {
	b, seq := newTestHub(Options{})
	defer b.Close()

	for i := 1; i <= 5; i++ {
		seq.Submit(context.Background(), event.Candidate{
			PaneID: "%1", ProjectID: "alpha", Kind: event.Output,
			Content: fmt.Sprintf("line %d", i),
		})
	}

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	c, err := b.AddClient(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, clientConn) // connected
	readEnvelope(t, clientConn) // initial sync

	req, _ := json.Marshal(SyncRequestPayload{AfterID: 2})
	b.HandleMessage(context.Background(), c, mustEnvelope(t, MsgSyncRequest, req))

	env := readEnvelope(t, clientConn)
	if env.Type != MsgSync {
		t.Fatalf("type = %s, want sync", env.Type)
	}
	sync := decodePayload[SyncPayload](t, env)
	if len(sync.Events) != 3 || sync.Events[0].ID != 3 {
		t.Errorf("backfill = %+v", sync.Events)
	}
	if sync.Source != "buffer" || sync.Gap {
		t.Errorf("source=%s gap=%v", sync.Source, sync.Gap)
	}
}

func TestSyncRequest_MemoryOnlyGap(t *testing.T) {
	seq := stream.NewSequencer(3, nil, nil, 1)
	b := NewBroadcaster(seq, nil, nil, Options{})
	defer b.Close()
	seq.SetPublisher(b)

	// Five events through a ring of three: ids 1 and 2 are evicted.
	for i := 1; i <= 5; i++ {
		seq.Submit(context.Background(), event.Candidate{
			PaneID: "%1", Kind: event.Output, Content: fmt.Sprintf("line %d", i),
		})
	}

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	c, err := b.AddClient(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, clientConn) // connected
	readEnvelope(t, clientConn) // initial sync

	req, _ := json.Marshal(SyncRequestPayload{AfterID: 1})
	b.HandleMessage(context.Background(), c, mustEnvelope(t, MsgSyncRequest, req))

	sync := decodePayload[SyncPayload](t, readEnvelope(t, clientConn))
	if !sync.Gap {
		t.Error("evicted cursor with no store must signal a gap")
	}
	if len(sync.Events) != 3 || sync.Events[0].ID != 3 {
		t.Errorf("backfill = %+v", sync.Events)
	}
}

func TestHandleMessage_MalformedKeepsConnection(t *testing.T) {
	b, _ := newTestHub(Options{})
	defer b.Close()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	c, err := b.AddClient(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, clientConn) // connected
	readEnvelope(t, clientConn) // initial sync

	b.HandleMessage(context.Background(), c, []byte("not json at all"))
	env := readEnvelope(t, clientConn)
	if env.Type != MsgError {
		t.Fatalf("type = %s, want error", env.Type)
	}
	if p := decodePayload[ErrorPayload](t, env); p.Code != CodeMalformedSyncRequest {
		t.Errorf("code = %s", p.Code)
	}
	if b.ClientCount() != 1 {
		t.Error("malformed message must not disconnect the client")
	}

	// Negative cursor is malformed too.
	req, _ := json.Marshal(SyncRequestPayload{AfterID: -1})
	b.HandleMessage(context.Background(), c, mustEnvelope(t, MsgSyncRequest, req))
	if p := decodePayload[ErrorPayload](t, readEnvelope(t, clientConn)); p.Code != CodeMalformedSyncRequest {
		t.Errorf("code = %s", p.Code)
	}

	// A valid request afterwards still works.
	req, _ = json.Marshal(SyncRequestPayload{AfterID: 0})
	b.HandleMessage(context.Background(), c, mustEnvelope(t, MsgSyncRequest, req))
	if env := readEnvelope(t, clientConn); env.Type != MsgSync {
		t.Errorf("recovery message type = %s, want sync", env.Type)
	}
}

func TestHandleMessage_UnknownType(t *testing.T) {
	b, _ := newTestHub(Options{})
	defer b.Close()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	c, err := b.AddClient(serverConn)
	if err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, clientConn)
	readEnvelope(t, clientConn)

	b.HandleMessage(context.Background(), c, mustEnvelope(t, MessageType("subscribe"), json.RawMessage(`{}`)))
	if p := decodePayload[ErrorPayload](t, readEnvelope(t, clientConn)); p.Code != CodeUnknownMessage {
		t.Errorf("code = %s", p.Code)
	}
}

func TestHeartbeat(t *testing.T) {
	b, _ := newTestHub(Options{HeartbeatInterval: 20 * time.Millisecond})
	defer b.Close()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, clientConn)
		if env.Type == MsgHeartbeat {
			hb := decodePayload[HeartbeatPayload](t, env)
			if hb.ServerTime.IsZero() {
				t.Error("heartbeat missing server time")
			}
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestBroadcast_SlowClientDisconnected(t *testing.T) {
	b, seq := newTestHub(Options{QueueSize: 1})
	defer b.Close()

	srv, serverConn, _ := dialTestWS(t)
	defer srv.Close()

	// Build the client directly without a writePump so the queue never
	// drains.
	c := &client{id: "stuck", conn: serverConn, send: make(chan []byte, 1)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "a"})
	seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "b"})

	if b.ClientCount() != 0 {
		t.Errorf("overrun client still registered, count = %d", b.ClientCount())
	}
}

// A message still in flight for a client that was just disconnected for
// overrun must be dropped, never crash the hub.
func TestHandleMessage_AfterOverrunDisconnect(t *testing.T) {
	b, seq := newTestHub(Options{QueueSize: 1})
	defer b.Close()

	srv, serverConn, _ := dialTestWS(t)
	defer srv.Close()

	// No writePump, so the queue never drains.
	c := &client{id: "stuck", conn: serverConn, send: make(chan []byte, 1)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "a"})
	seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "b"})
	if b.ClientCount() != 0 {
		t.Fatalf("overrun client still registered, count = %d", b.ClientCount())
	}

	// The read loop can deliver one more inbound message after the hub
	// has already dropped the client; the reply goes nowhere.
	req, _ := json.Marshal(SyncRequestPayload{AfterID: 0})
	b.HandleMessage(context.Background(), c, mustEnvelope(t, MsgSyncRequest, req))

	// Late broadcasts are dropped the same way.
	seq.Submit(context.Background(), event.Candidate{PaneID: "%1", Kind: event.Output, Content: "c"})
}

// A client joining mid-stream must receive connected, then the
// snapshot, then each later event exactly once with no overlap between
// snapshot and live delivery.
func TestAddClient_JoinMidStreamNoDuplicates(t *testing.T) {
	seq := stream.NewSequencer(4096, nil, nil, 1)
	b := NewBroadcaster(seq, nil, nil, Options{
		QueueSize:         8192,
		SyncBacklog:       4096,
		HeartbeatInterval: time.Minute,
	})
	defer b.Close()
	seq.SetPublisher(b)

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			seq.Submit(context.Background(), event.Candidate{
				PaneID: "%1", Kind: event.Output, Content: "x",
			})
		}
	}()

	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	<-done
	final := seq.LastID()

	env := readEnvelope(t, clientConn)
	if env.Type != MsgConnected {
		t.Fatalf("first message = %s, want connected", env.Type)
	}
	env = readEnvelope(t, clientConn)
	if env.Type != MsgSync {
		t.Fatalf("second message = %s, want sync", env.Type)
	}
	sync := decodePayload[SyncPayload](t, env)

	// Every live event must pick up exactly where the snapshot ended.
	for next := sync.LastID + 1; next <= final; {
		env := readEnvelope(t, clientConn)
		if env.Type != MsgEvent {
			continue
		}
		ev := decodePayload[event.Event](t, env)
		if ev.ID != next {
			t.Fatalf("live event id = %d, want %d", ev.ID, next)
		}
		next++
	}
}

func mustEnvelope(t *testing.T, typ MessageType, payload json.RawMessage) []byte {
	t.Helper()
	data, err := json.Marshal(Envelope{Type: typ, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return data
}
