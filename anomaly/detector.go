// Package anomaly classifies the latest minute of unique-visitor traffic against the
// minutes before it.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"visitorpulse/api/models"
	"visitorpulse/api/realtime"
	"visitorpulse/api/utils"
)

const (
	SourceEventLog    = "event_log"
	SourceSharedStore = "shared_store"
)

const (
	msgFirstVisitors = "first visitor(s) detected"
	msgSpike         = "traffic spike detected"
	msgDrop          = "visitor count dropped"
	msgNormal        = "normal traffic"
)

// SeriesSource is the durable log's view of unique sessions per minute.
type SeriesSource interface {
	UniqueSessionsPerMinute(ctx context.Context, from, to time.Time) (map[time.Time]uint64, error)
}

// FallbackSource is the shared store's approximate per-minute series.
type FallbackSource interface {
	UniqueVisitorsPerMinute(ctx context.Context, minutes []time.Time) (map[time.Time]uint64, error)
}

type Publisher interface {
	Publish(t realtime.MessageType, payload any)
}

// Classification is the verdict on the most recent minute.
type Classification struct {
	Level           models.AlertLevel `json:"level"`
	Message         string            `json:"message"`
	LastMinuteCount uint64            `json:"lastMinuteCount"`
	AveragePrevious float64           `json:"averagePrevious"`
}

// Report is the on-demand view: the whole series plus its classification.
type Report struct {
	Series []models.MinuteCount `json:"series"`
	Classification
	Source string `json:"source"`
}

// Classify judges the last bucket of series against the mean of the others.
// An empty series is normal traffic.
func Classify(series []models.MinuteCount) Classification {
	if len(series) == 0 {
		return Classification{Level: models.AlertInfo, Message: msgNormal}
	}

	last := series[len(series)-1].Visitors
	var avg float64
	if prev := series[:len(series)-1]; len(prev) > 0 {
		var sum uint64
		for _, m := range prev {
			sum += m.Visitors
		}
		avg = float64(sum) / float64(len(prev))
	}

	c := Classification{LastMinuteCount: last, AveragePrevious: avg}
	lastF := float64(last)
	switch {
	case avg == 0 && last > 0:
		c.Level, c.Message = models.AlertMilestone, msgFirstVisitors
	case avg > 0 && lastF >= 2*avg:
		c.Level, c.Message = models.AlertMilestone, msgSpike
	case avg > 0 && lastF < 0.5*avg:
		c.Level, c.Message = models.AlertWarning, msgDrop
	default:
		c.Level, c.Message = models.AlertInfo, msgNormal
	}
	return c
}

type Detector struct {
	log      SeriesSource
	fallback FallbackSource
	hub      Publisher
	window   int
	logger   logrus.FieldLogger
}

func NewDetector(log SeriesSource, fallback FallbackSource, hub Publisher, windowMinutes int, logger logrus.FieldLogger) *Detector {
	if windowMinutes < 2 {
		windowMinutes = 10
	}
	return &Detector{log: log, fallback: fallback, hub: hub, window: windowMinutes, logger: logger}
}

// Minutes returns the completed minutes of the window ending at now, oldest first.
// The minute in progress is not part of the window.
func (d *Detector) Minutes(now time.Time) []time.Time {
	end := utils.MinuteBucket(now)
	out := make([]time.Time, d.window)
	for i := range out {
		out[i] = end.Add(-time.Duration(d.window-i) * time.Minute)
	}
	return out
}

// Evaluate builds the series from the durable log, falling back to the shared store
// when the log cannot answer.
func (d *Detector) Evaluate(ctx context.Context, now time.Time) (Report, error) {
	minutes := d.Minutes(now)
	from, to := minutes[0], minutes[len(minutes)-1].Add(time.Minute)

	counts, source, err := d.counts(ctx, minutes, from, to)
	if err != nil {
		return Report{}, err
	}

	series := make([]models.MinuteCount, len(minutes))
	for i, m := range minutes {
		series[i] = models.MinuteCount{Minute: m, Visitors: counts[m]}
	}
	return Report{Series: series, Classification: Classify(series), Source: source}, nil
}

func (d *Detector) counts(ctx context.Context, minutes []time.Time, from, to time.Time) (map[time.Time]uint64, string, error) {
	var logErr error
	if d.log != nil {
		counts, err := d.log.UniqueSessionsPerMinute(ctx, from, to)
		if err == nil {
			return counts, SourceEventLog, nil
		}
		logErr = err
		d.logger.WithError(err).Warn("Event log series unavailable, using shared store")
	}
	if d.fallback == nil {
		if logErr == nil {
			logErr = errors.New("no series source configured")
		}
		return nil, "", fmt.Errorf("visitor series unavailable: %w", logErr)
	}
	counts, err := d.fallback.UniqueVisitorsPerMinute(ctx, minutes)
	if err != nil {
		return nil, "", fmt.Errorf("visitor series unavailable: %w", errors.Join(logErr, err))
	}
	return counts, SourceSharedStore, nil
}

// Run evaluates the window and publishes exactly one alert.
func (d *Detector) Run(ctx context.Context, now time.Time) error {
	report, err := d.Evaluate(ctx, now)
	if err != nil {
		return err
	}

	d.hub.Publish(realtime.MessageAlert, models.AlertEvent{
		Level:   report.Level,
		Message: report.Message,
		Details: map[string]any{
			"lastMinuteCount": report.LastMinuteCount,
			"averagePrevious": report.AveragePrevious,
			"windowMinutes":   d.window,
			"source":          report.Source,
		},
		Timestamp: now.UTC(),
	})
	d.logger.WithFields(logrus.Fields{
		"level":  report.Level,
		"last":   report.LastMinuteCount,
		"avg":    report.AveragePrevious,
		"source": report.Source,
	}).Debug("Anomaly check published")
	return nil
}
