package ws

import (
	"encoding/json"
	"time"

	"github.com/panewatch/backend/internal/event"
	"github.com/panewatch/backend/internal/stats"
)

type MessageType string

const (
	// Server to client.
	MsgConnected MessageType = "connected"
	MsgSync      MessageType = "sync"
	MsgEvent     MessageType = "event"
	MsgHeartbeat MessageType = "heartbeat"
	MsgError     MessageType = "error"

	// Client to server.
	MsgSyncRequest MessageType = "sync_request"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newEnvelope(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}

// ConnectedPayload is the first message a subscriber receives.
type ConnectedPayload struct {
	ClientID          string        `json:"clientId"`
	HeartbeatInterval time.Duration `json:"heartbeatIntervalMs"`
	MemoryOnly        bool          `json:"memoryOnly"`
}

// SyncPayload carries the backlog for a (re)connecting subscriber.
// Gap is set when events between the client's cursor and the first
// delivered event have been trimmed past the retention horizon.
// HasMore is set on store-backed answers when the backlog exceeded one
// page; the client issues another sync_request with the id of the last
// delivered event as afterId until HasMore is clear.
type SyncPayload struct {
	Events  []*event.Event `json:"events"`
	LastID  int64          `json:"lastId"`
	Source  string         `json:"source"` // "buffer" or "store"
	Gap     bool           `json:"gap,omitempty"`
	HasMore bool           `json:"hasMore,omitempty"`
	Stats   *stats.Stats   `json:"stats,omitempty"`
}

// SyncRequestPayload is the client's catch-up request. AfterID 0 means
// "recent window only".
type SyncRequestPayload struct {
	AfterID int64  `json:"afterId"`
	PaneID  string `json:"paneId,omitempty"`
}

type HeartbeatPayload struct {
	ServerTime time.Time `json:"serverTime"`
	LastID     int64     `json:"lastId"`
}

// Error codes sent to clients.
const (
	CodeMalformedSyncRequest = "malformed_sync_request"
	CodeSyncFailed           = "sync_failed"
	CodeUnknownMessage       = "unknown_message"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
