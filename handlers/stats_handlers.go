package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/anomaly"
	"visitorpulse/api/models"
	"visitorpulse/api/store"
)

type StatsReader interface {
	Snapshot(ctx context.Context) (models.AggregateStats, error)
}

type SessionLister interface {
	Active(ctx context.Context, now time.Time) ([]models.SessionActivity, error)
}

type AnomalyReporter interface {
	Evaluate(ctx context.Context, now time.Time) (anomaly.Report, error)
}

// EventQueries is the read side of the durable event log.
type EventQueries interface {
	RecentEvents(ctx context.Context, filter store.EventFilter, limit int) ([]models.VisitorEvent, error)
	TopPages(ctx context.Context, from, to time.Time, limit uint64) ([]models.TopPathResult, error)
}

const queryTimeout = 10 * time.Second

type StatsHandlers struct {
	Stats    StatsReader
	Sessions SessionLister
	Anomaly  AnomalyReporter
	Events   EventQueries
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewStatsHandlers(stats StatsReader, sessions SessionLister, det AnomalyReporter, events EventQueries, logger logrus.FieldLogger) *StatsHandlers {
	return &StatsHandlers{
		Stats:    stats,
		Sessions: sessions,
		Anomaly:  det,
		Events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// storeError maps shared-state outages to 503 and everything else to 500.
func (h *StatsHandlers) storeError(c *gin.Context, err error, msg string) {
	h.logger.WithError(err).WithField("path", c.FullPath()).Warn(msg)
	if errors.Is(err, models.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Shared state store unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (h *StatsHandlers) GetSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	stats, err := h.Stats.Snapshot(ctx)
	if err != nil {
		h.storeError(c, err, "Failed to retrieve visitor summary")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *StatsHandlers) GetActiveSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	active, err := h.Sessions.Active(ctx, h.now())
	if err != nil {
		h.storeError(c, err, "Failed to retrieve active sessions")
		return
	}
	if active == nil {
		active = []models.SessionActivity{}
	}
	c.JSON(http.StatusOK, active)
}

// GetLastMinutesStats reports the trailing per-minute visitor series and its classification.
func (h *StatsHandlers) GetLastMinutesStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	report, err := h.Anomaly.Evaluate(ctx, h.now())
	if err != nil {
		h.storeError(c, err, "Failed to retrieve visitor series")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *StatsHandlers) GetTopPages(c *gin.Context) {
	if h.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event log unavailable"})
		return
	}

	start, end, ok := parseRange(c, h.now().UTC())
	if !ok {
		return
	}

	var limit uint64 = 10
	if limitParam := c.Query("limit"); limitParam != "" {
		parsedLimit, err := strconv.ParseUint(limitParam, 10, 64)
		if err != nil || parsedLimit == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return
		}
		limit = parsedLimit
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	results, err := h.Events.TopPages(ctx, start, end, limit)
	if err != nil {
		h.logger.WithError(err).Error("Error getting top pages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve top page statistics"})
		return
	}
	if results == nil {
		results = []models.TopPathResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (h *StatsHandlers) GetRecentEvents(c *gin.Context) {
	if h.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event log unavailable"})
		return
	}

	limit := store.MaxRecentEvents
	if limitParam := c.Query("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be a positive integer."})
			return
		}
		limit = n
	}
	filter := store.EventFilter{Country: c.Query("country"), Page: c.Query("page")}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	events, err := h.Events.RecentEvents(ctx, filter, limit)
	if err != nil {
		h.logger.WithError(err).Error("Error getting recent events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve recent events"})
		return
	}
	if events == nil {
		events = []models.VisitorEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"filter": filter, "events": events, "total": len(events)})
}

// parseRange reads RFC3339 start/end query params, defaulting to the last seven days.
func parseRange(c *gin.Context, now time.Time) (time.Time, time.Time, bool) {
	start := now.Add(-7 * 24 * time.Hour)
	end := now

	if startParam := c.Query("start"); startParam != "" {
		t, err := time.Parse(time.RFC3339, startParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return start, end, false
		}
		start = t
	}
	if endParam := c.Query("end"); endParam != "" {
		t, err := time.Parse(time.RFC3339, endParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return start, end, false
		}
		end = t
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'end' must be after 'start'"})
		return start, end, false
	}
	return start, end, true
}
