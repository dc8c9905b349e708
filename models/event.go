// api/models/event.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of visitor event kinds accepted by the ingestion path.
type EventType string

const (
	EventPageView   EventType = "page_view"
	EventClick      EventType = "click"
	EventSessionEnd EventType = "session_end"
)

// legacyPageView is the spelling older trackers still send.
const legacyPageView = "pageview"

// ParseEventType maps a raw type string onto the closed set.
func ParseEventType(raw string) (EventType, error) {
	switch strings.TrimSpace(raw) {
	case string(EventPageView), legacyPageView:
		return EventPageView, nil
	case string(EventClick):
		return EventClick, nil
	case string(EventSessionEnd):
		return EventSessionEnd, nil
	default:
		return "", fmt.Errorf("unknown event type %q", raw)
	}
}

// HomePage is the canonical marker stored in place of the root path.
const HomePage = "/home"

// CandidateEvent is the payload accepted from the ingestion endpoint before validation.
type CandidateEvent struct {
	Type      string  `json:"type"`
	Page      string  `json:"page"`
	SessionID string  `json:"sessionId"`
	Country   string  `json:"country,omitempty"`
	Device    string  `json:"device,omitempty"`
	Referrer  *string `json:"referrer,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	UserID    string  `json:"userId,omitempty"`
}

// VisitorEvent is a validated, immutable visitor event.
type VisitorEvent struct {
	EventID   string          `json:"eventId"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Page      string          `json:"page"`
	Country   string          `json:"country"`
	Device    string          `json:"device"`
	Referrer  *string         `json:"referrer"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AggregateStats is a point-in-time snapshot of the shared state.
type AggregateStats struct {
	TotalActive  int64            `json:"totalActive"`
	TotalToday   int64            `json:"totalToday"`
	PagesVisited map[string]int64 `json:"pagesVisited"`
}

// SessionActivity is the derived projection of one active session.
type SessionActivity struct {
	SessionID   string   `json:"sessionId"`
	CurrentPage string   `json:"currentPage"`
	Journey     []string `json:"journey"`
	Duration    int64    `json:"duration"`
}

type TopPathResult struct {
	PagePath string `json:"pagePath"`
	Count    uint64 `json:"count"`
}
