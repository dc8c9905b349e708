// Package ingest turns candidate events into validated visitor events and folds them
// into the shared state.
package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"visitorpulse/api/models"
	"visitorpulse/api/utils"
)

// Validate is pure: it never touches state, and the same input always yields the same event.
// A missing timestamp becomes now in UTC. The root page is rewritten to the home marker.
func Validate(c models.CandidateEvent, now time.Time) (models.VisitorEvent, error) {
	var missing []string
	if strings.TrimSpace(c.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(c.Page) == "" {
		missing = append(missing, "page")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return models.VisitorEvent{}, &models.ValidationError{Fields: missing, Message: "Missing required fields"}
	}

	eventType, err := models.ParseEventType(c.Type)
	if err != nil {
		return models.VisitorEvent{}, &models.ValidationError{Fields: []string{"type"}, Message: err.Error()}
	}

	ts := now.UTC()
	if raw := strings.TrimSpace(c.Timestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.VisitorEvent{}, &models.ValidationError{Fields: []string{"timestamp"}, Message: "timestamp must be ISO8601"}
		}
		ts = parsed.UTC()
	}

	return models.VisitorEvent{
		Type:      eventType,
		SessionID: strings.TrimSpace(c.SessionID),
		Page:      utils.NormalizePage(c.Page),
		Country:   strings.TrimSpace(c.Country),
		Device:    strings.TrimSpace(c.Device),
		Referrer:  nonEmpty(c.Referrer),
		Timestamp: ts,
		UserID:    strings.TrimSpace(c.UserID),
	}, nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// RequestInfo is what the HTTP layer knows about the caller beyond the payload.
type RequestInfo struct {
	UserAgent string
	Referer   string
	ClientIP  string
	// UserID is the authenticated subject; it overrides any userId in the payload.
	UserID string
	// Metadata is the raw X-Metadata header.
	Metadata string
}

// CountryLookup resolves a client IP to a country code, "" when unknown.
type CountryLookup interface {
	Country(ip string) string
}

type trackerMetadata struct {
	Device   string `json:"device"`
	Referrer string `json:"referrer"`
}

// Enrich fills fields the payload left empty. Payload values win, then the X-Metadata
// header, then what can be derived from the request itself.
func Enrich(ev models.VisitorEvent, info RequestInfo, geo CountryLookup) (models.VisitorEvent, error) {
	var meta trackerMetadata
	if raw := strings.TrimSpace(info.Metadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return ev, &models.ValidationError{Fields: []string{"metadata"}, Message: "X-Metadata must be a JSON object"}
		}
		ev.Metadata = json.RawMessage(raw)
	}

	if ev.Device == "" {
		ev.Device = meta.Device
	}
	if ev.Device == "" {
		ev.Device = utils.DeviceFromUserAgent(info.UserAgent)
	}
	if ev.Referrer == nil {
		ev.Referrer = nonEmpty(&meta.Referrer)
	}
	if ev.Referrer == nil {
		ev.Referrer = nonEmpty(&info.Referer)
	}
	if ev.Country == "" && geo != nil {
		ev.Country = geo.Country(info.ClientIP)
	}
	if info.UserID != "" {
		ev.UserID = info.UserID
	}
	return ev, nil
}
