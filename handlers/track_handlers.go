// api/handlers/track_handlers.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/ingest"
	"visitorpulse/api/middleware"
	"visitorpulse/api/models"
)

// EventSubmitter is the ingestion entry point; *ingest.Pipeline satisfies it.
type EventSubmitter interface {
	Submit(ctx context.Context, c models.CandidateEvent, info ingest.RequestInfo) (ingest.Result, error)
}

type TrackHandlers struct {
	Pipeline EventSubmitter
	logger   logrus.FieldLogger
}

func NewTrackHandlers(p EventSubmitter, logger logrus.FieldLogger) *TrackHandlers {
	return &TrackHandlers{Pipeline: p, logger: logger}
}

// TrackEvent accepts one candidate visitor event.
func (h *TrackHandlers) TrackEvent(c *gin.Context) {
	var candidate models.CandidateEvent
	if err := c.ShouldBindJSON(&candidate); err != nil {
		h.logger.WithError(err).Debug("Error binding incoming event JSON")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	info := ingest.RequestInfo{
		UserAgent: c.Request.UserAgent(),
		Referer:   c.Request.Referer(),
		ClientIP:  c.ClientIP(),
		UserID:    middleware.UserID(c),
		Metadata:  c.GetHeader("X-Metadata"),
	}

	res, err := h.Pipeline.Submit(c.Request.Context(), candidate, info)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "fields": ve.Fields})
			return
		}
		h.logger.WithError(err).Error("Failed to submit event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record event"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":    "Event created successfully",
		"data":       res.Event,
		"aggregated": res.Aggregated,
	})
}
