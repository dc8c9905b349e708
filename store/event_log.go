package store

import (
	"context"
	"time"

	"visitorpulse/api/models"
)

// MaxRecentEvents caps RecentEvents regardless of the requested limit.
const MaxRecentEvents = 100

// EventLog is the durable, append-only record of every visitor event.
type EventLog interface {
	Append(ctx context.Context, events []models.VisitorEvent) error
	// UniqueSessionsPerMinute counts distinct sessions per minute in [from, to).
	// Minutes without events are absent from the result.
	UniqueSessionsPerMinute(ctx context.Context, from, to time.Time) (map[time.Time]uint64, error)
	// RecentEvents returns the newest events matching filter, newest first.
	RecentEvents(ctx context.Context, filter EventFilter, limit int) ([]models.VisitorEvent, error)
	TopPages(ctx context.Context, from, to time.Time, limit uint64) ([]models.TopPathResult, error)
	Close() error
}

// EventFilter narrows RecentEvents. Empty fields match everything.
type EventFilter struct {
	Country string `json:"country,omitempty"`
	Page    string `json:"page,omitempty"`
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxRecentEvents {
		return MaxRecentEvents
	}
	return limit
}

func metadataOrEmpty(m []byte) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}
