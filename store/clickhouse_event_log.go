// api/store/clickhouse_event_log.go
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"visitorpulse/api/database"
	"visitorpulse/api/models"
)

// ClickHouseEventLog keeps the event log in a ClickHouse MergeTree table.
type ClickHouseEventLog struct {
	DB     *database.ClickHouseClient
	logger logrus.FieldLogger
}

func NewClickHouseEventLog(chClient *database.ClickHouseClient, logger logrus.FieldLogger) *ClickHouseEventLog {
	return &ClickHouseEventLog{
		DB:     chClient,
		logger: logger,
	}
}

func (s *ClickHouseEventLog) Append(ctx context.Context, events []models.VisitorEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Column order must match the visitor_events table.
	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO visitor_events (
			event_id, type, page, session_id, country, device, referrer, user_id, timestamp, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	appended := 0
	for _, ev := range events {
		err := batch.Append(
			ev.EventID,
			string(ev.Type),
			ev.Page,
			ev.SessionID,
			ev.Country,
			ev.Device,
			ev.Referrer,
			ev.UserID,
			ev.Timestamp.UTC(),
			metadataOrEmpty(ev.Metadata),
		)
		if err != nil {
			s.logger.WithError(err).WithField("event_id", ev.EventID).Error("Error appending event to batch")
			continue
		}
		appended++
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.logger.WithField("count", appended).Debug("Inserted visitor events into clickhouse")
	return nil
}

const uniqueSessionsPerMinuteQuery = `
	SELECT toStartOfMinute(timestamp) AS time_bucket, uniqExact(session_id) AS visitors
	FROM visitor_events
	WHERE timestamp >= ? AND timestamp < ?
	GROUP BY time_bucket
	ORDER BY time_bucket ASC
`

func (s *ClickHouseEventLog) UniqueSessionsPerMinute(ctx context.Context, from, to time.Time) (map[time.Time]uint64, error) {
	rows, err := s.DB.Conn.Query(ctx, uniqueSessionsPerMinuteQuery, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query unique sessions over time: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]uint64)
	for rows.Next() {
		var bucket time.Time
		var visitors uint64
		if err := rows.Scan(&bucket, &visitors); err != nil {
			s.logger.WithError(err).Warn("Error scanning row for unique sessions")
			continue
		}
		out[bucket.UTC()] = visitors
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for unique sessions: %w", err)
	}
	return out, nil
}

func (s *ClickHouseEventLog) RecentEvents(ctx context.Context, filter EventFilter, limit int) ([]models.VisitorEvent, error) {
	var where []string
	var args []any
	if filter.Country != "" {
		where = append(where, "country = ?")
		args = append(args, filter.Country)
	}
	if filter.Page != "" {
		where = append(where, "page = ?")
		args = append(args, filter.Page)
	}

	query := `SELECT event_id, type, page, session_id, country, device, referrer, user_id, timestamp, metadata FROM visitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, uint64(clampLimit(limit)))

	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []models.VisitorEvent
	for rows.Next() {
		var (
			ev       models.VisitorEvent
			typ      string
			metadata string
		)
		if err := rows.Scan(&ev.EventID, &typ, &ev.Page, &ev.SessionID, &ev.Country, &ev.Device, &ev.Referrer, &ev.UserID, &ev.Timestamp, &metadata); err != nil {
			s.logger.WithError(err).Warn("Error scanning row for recent events")
			continue
		}
		ev.Type = models.EventType(typ)
		if metadata != "" {
			ev.Metadata = []byte(metadata)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for recent events: %w", err)
	}
	return events, nil
}

func (s *ClickHouseEventLog) TopPages(ctx context.Context, start, end time.Time, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT page, count() as view_count
		FROM visitor_events
		WHERE type = 'page_view' AND timestamp >= ? AND timestamp <= ?
		GROUP BY page
		ORDER BY view_count DESC
		LIMIT ?
	`
	rows, err := s.DB.Conn.Query(ctx, query, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top page paths: %w", err)
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var pagePath string
		var count uint64
		if err := rows.Scan(&pagePath, &count); err != nil {
			s.logger.WithError(err).Warn("Error scanning row for top page paths")
			continue
		}
		results = append(results, models.TopPathResult{
			PagePath: pagePath,
			Count:    count,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for top page paths: %w", err)
	}

	return results, nil
}

func (s *ClickHouseEventLog) Close() error {
	return s.DB.Close()
}
