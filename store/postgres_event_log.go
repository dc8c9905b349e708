package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"visitorpulse/api/models"
	"visitorpulse/api/utils"
)

// PostgresEventLog writes the event log to the visitor_events table.
type PostgresEventLog struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

func NewPostgresEventLog(db *sql.DB, logger logrus.FieldLogger) *PostgresEventLog {
	return &PostgresEventLog{db: db, logger: logger}
}

func (s *PostgresEventLog) Append(ctx context.Context, events []models.VisitorEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event log transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO visitor_events (
			event_id, type, page, session_id, country, device, referrer, user_id, timestamp, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.EventID,
			string(ev.Type),
			ev.Page,
			ev.SessionID,
			ev.Country,
			ev.Device,
			nullString(ev.Referrer),
			nullIfEmpty(ev.UserID),
			ev.Timestamp.UTC(),
			metadataOrEmpty(ev.Metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event log transaction: %w", err)
	}
	s.logger.WithField("count", len(events)).Debug("Appended events to postgres event log")
	return nil
}

func (s *PostgresEventLog) UniqueSessionsPerMinute(ctx context.Context, from, to time.Time) (map[time.Time]uint64, error) {
	query := `
		SELECT date_trunc('minute', timestamp) AS minute, COUNT(DISTINCT session_id)
		FROM visitor_events
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY minute
		ORDER BY minute ASC
	`
	rows, err := s.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query unique sessions per minute: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]uint64)
	for rows.Next() {
		var minute time.Time
		var count int64
		if err := rows.Scan(&minute, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unique sessions row: %w", err)
		}
		out[utils.MinuteBucket(minute)] = uint64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unique sessions rows: %w", err)
	}
	return out, nil
}

func (s *PostgresEventLog) RecentEvents(ctx context.Context, filter EventFilter, limit int) ([]models.VisitorEvent, error) {
	var where []string
	var args []any
	if filter.Country != "" {
		args = append(args, filter.Country)
		where = append(where, fmt.Sprintf("country = $%d", len(args)))
	}
	if filter.Page != "" {
		args = append(args, filter.Page)
		where = append(where, fmt.Sprintf("page = $%d", len(args)))
	}
	args = append(args, clampLimit(limit))

	query := `SELECT event_id, type, page, session_id, country, device, referrer, user_id, timestamp, metadata FROM visitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []models.VisitorEvent
	for rows.Next() {
		var (
			ev       models.VisitorEvent
			typ      string
			referrer sql.NullString
			userID   sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&ev.EventID, &typ, &ev.Page, &ev.SessionID, &ev.Country, &ev.Device, &referrer, &userID, &ev.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan recent event row: %w", err)
		}
		ev.Type = models.EventType(typ)
		if referrer.Valid {
			ref := referrer.String
			ev.Referrer = &ref
		}
		ev.UserID = userID.String
		if len(metadata) > 0 {
			ev.Metadata = metadata
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent event rows: %w", err)
	}
	return events, nil
}

func (s *PostgresEventLog) TopPages(ctx context.Context, from, to time.Time, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT page, COUNT(*) AS view_count
		FROM visitor_events
		WHERE type = 'page_view' AND timestamp >= $1 AND timestamp <= $2
		GROUP BY page
		ORDER BY view_count DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top pages: %w", err)
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var page string
		var count int64
		if err := rows.Scan(&page, &count); err != nil {
			return nil, fmt.Errorf("failed to scan top pages row: %w", err)
		}
		results = append(results, models.TopPathResult{PagePath: page, Count: uint64(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top pages rows: %w", err)
	}
	return results, nil
}

func (s *PostgresEventLog) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.WithError(err).Error("Error closing postgres event log")
		return err
	}
	s.logger.Info("PostgreSQL event log closed")
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
