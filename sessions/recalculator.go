package sessions

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"visitorpulse/api/models"
	"visitorpulse/api/realtime"
)

// SessionReader is the read side of the shared store the recalculator projects from.
type SessionReader interface {
	ActiveSessionIDs(ctx context.Context) ([]string, error)
	Session(ctx context.Context, sessionID string) (journey []string, startedAt time.Time, hasStart bool, err error)
}

type Publisher interface {
	Publish(t realtime.MessageType, payload any)
}

// Recalculator projects every active session into its current page and elapsed time.
// It never writes to the store.
type Recalculator struct {
	store  SessionReader
	hub    Publisher
	logger logrus.FieldLogger
}

func NewRecalculator(store SessionReader, hub Publisher, logger logrus.FieldLogger) *Recalculator {
	return &Recalculator{store: store, hub: hub, logger: logger}
}

// Project derives one session's activity. Duration is whole seconds since the start, never negative.
func Project(sessionID string, journey []string, startedAt time.Time, hasStart bool, now time.Time) models.SessionActivity {
	a := models.SessionActivity{SessionID: sessionID, Journey: journey}
	if a.Journey == nil {
		a.Journey = []string{}
	}
	if n := len(journey); n > 0 {
		a.CurrentPage = journey[n-1]
	}
	if hasStart {
		if d := now.Sub(startedAt); d > 0 {
			a.Duration = int64(d / time.Second)
		}
	}
	return a
}

// Active returns projections for every active session. A session whose records cannot
// be read is logged and left out.
func (r *Recalculator) Active(ctx context.Context, now time.Time) ([]models.SessionActivity, error) {
	ids, err := r.store.ActiveSessionIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.SessionActivity, 0, len(ids))
	for _, id := range ids {
		journey, startedAt, hasStart, err := r.store.Session(ctx, id)
		if err != nil {
			r.logger.WithError(err).WithField("session_id", id).Warn("Skipping unreadable session")
			continue
		}
		out = append(out, Project(id, journey, startedAt, hasStart, now))
	}
	return out, nil
}

// Run publishes one session_activity message per active session.
func (r *Recalculator) Run(ctx context.Context, now time.Time) error {
	activity, err := r.Active(ctx, now)
	if err != nil {
		return err
	}
	for _, a := range activity {
		r.hub.Publish(realtime.MessageSessionActivity, a)
	}
	r.logger.WithField("sessions", len(activity)).Debug("Session activity published")
	return nil
}
