package models

import "time"

type AlertLevel string

const (
	AlertInfo      AlertLevel = "info"
	AlertWarning   AlertLevel = "warning"
	AlertMilestone AlertLevel = "milestone"
)

// AlertEvent is a transient anomaly notification pushed to dashboards.
type AlertEvent struct {
	Level     AlertLevel     `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// MinuteCount is one bucket of the per-minute unique visitor series.
type MinuteCount struct {
	Minute   time.Time `json:"minute"`
	Visitors uint64    `json:"visitors"`
}

// ConnectionCount is broadcast whenever the dashboard registry changes.
type ConnectionCount struct {
	TotalConnected int       `json:"totalConnected"`
	ConnectionIDs  []string  `json:"connectionIds"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
