package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"visitorpulse/api/models"
	"visitorpulse/api/store"
)

// MessageType is the closed set of messages pushed to dashboards.
type MessageType string

const (
	MessageVisitorUpdate   MessageType = "visitor_update"
	MessageSessionActivity MessageType = "session_activity"
	MessageAlert           MessageType = "alert"
	MessageConnectionCount MessageType = "connection_count"
	// MessageDetailedStats is only ever sent to the client that asked for it.
	MessageDetailedStats MessageType = "detailed_stats_response"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageVisitorUpdate, MessageSessionActivity, MessageAlert, MessageConnectionCount, MessageDetailedStats:
		return true
	default:
		return false
	}
}

// Envelope is the wire format of every dashboard message.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func encode(t MessageType, data any, at time.Time) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	return json.Marshal(Envelope{Type: t, Data: data, Timestamp: at.UTC()})
}

type VisitorUpdate struct {
	Event models.VisitorEvent   `json:"event"`
	Stats models.AggregateStats `json:"stats"`
}

// ClientAction is the closed set of requests a dashboard may send.
type ClientAction string

const (
	ActionRequestDetailedStats ClientAction = "request_detailed_stats"
	ActionTrackDashboardAction ClientAction = "track_dashboard_action"
)

type ClientMessage struct {
	Action ClientAction      `json:"action"`
	Filter store.EventFilter `json:"filter"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

type DetailedStats struct {
	Filter store.EventFilter     `json:"filter"`
	Events []models.VisitorEvent `json:"events"`
	Total  int                   `json:"total"`
	Error  string                `json:"error,omitempty"`
}
