package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/metrics"
	"visitorpulse/api/models"
	"visitorpulse/api/realtime"
)

// Aggregator is the slice of state.Aggregator the pipeline needs.
type Aggregator interface {
	Apply(ctx context.Context, ev models.VisitorEvent) error
	Snapshot(ctx context.Context) (models.AggregateStats, error)
}

// EventWriter hands events to the durable log without waiting for the write.
type EventWriter interface {
	Enqueue(ev models.VisitorEvent)
}

type Publisher interface {
	Publish(t realtime.MessageType, payload any)
}

// Result reports what happened to one ingested event.
type Result struct {
	Event models.VisitorEvent
	// Aggregated is false when the shared store could not take the event.
	Aggregated bool
	Stats      *models.AggregateStats
}

type Pipeline struct {
	agg     Aggregator
	writer  EventWriter
	hub     Publisher
	geo     CountryLookup
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

func NewPipeline(agg Aggregator, writer EventWriter, hub Publisher, geo CountryLookup, logger logrus.FieldLogger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		agg:     agg,
		writer:  writer,
		hub:     hub,
		geo:     geo,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit validates and enriches a candidate, then ingests it. Only validation errors are returned.
func (p *Pipeline) Submit(ctx context.Context, c models.CandidateEvent, info RequestInfo) (Result, error) {
	ev, err := Validate(c, p.now())
	if err == nil {
		ev, err = Enrich(ev, info, p.geo)
	}
	if err != nil {
		p.metrics.IncEvent(rejectedLabel(c.Type), "rejected")
		return Result{}, err
	}
	return p.Ingest(ctx, ev), nil
}

// rejectedLabel keeps the type label inside the closed set so callers cannot mint series.
func rejectedLabel(raw string) string {
	t, err := models.ParseEventType(raw)
	if err != nil {
		return "invalid"
	}
	return string(t)
}

// Ingest logs the event durably, folds it into the shared state and broadcasts the
// resulting snapshot. A store failure leaves the event logged but unaggregated and
// suppresses the broadcast.
func (p *Pipeline) Ingest(ctx context.Context, ev models.VisitorEvent) Result {
	if ev.EventID == "" {
		ev.EventID = p.newID()
	}
	p.writer.Enqueue(ev)

	res := Result{Event: ev}
	log := p.logger.WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"type":       ev.Type,
		"session_id": ev.SessionID,
	})

	if err := p.agg.Apply(ctx, ev); err != nil {
		p.metrics.IncStoreFailure("apply")
		p.metrics.IncEvent(string(ev.Type), "unaggregated")
		log.WithError(err).Warn("Event not aggregated")
		return res
	}
	res.Aggregated = true
	p.metrics.IncEvent(string(ev.Type), "aggregated")

	stats, err := p.agg.Snapshot(ctx)
	if err != nil {
		p.metrics.IncStoreFailure("snapshot")
		log.WithError(err).Warn("Snapshot unavailable, skipping broadcast")
		return res
	}
	res.Stats = &stats

	p.hub.Publish(realtime.MessageVisitorUpdate, realtime.VisitorUpdate{Event: ev, Stats: stats})
	return res
}
