package state

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"visitorpulse/api/models"
	"visitorpulse/api/utils"
)

// Aggregator folds visitor events into the shared store. Every event's mutations run
// in a single MULTI/EXEC, so concurrent instances never observe a half-applied event.
type Aggregator struct {
	store *Store
	now   func() time.Time
}

func NewAggregator(store *Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Store exposes the store the aggregator writes to.
func (a *Aggregator) Store() *Store { return a.store }

// Apply records one validated event.
//
// page_view adds the session to the active set, bumps the page and daily counters,
// appends to the journey, records the session start if absent and marks the session
// in its minute's visitor sketch. session_end removes the session from the active set
// and leaves its history in place. click changes nothing.
func (a *Aggregator) Apply(ctx context.Context, ev models.VisitorEvent) error {
	switch ev.Type {
	case models.EventPageView:
		return a.applyPageView(ctx, ev)
	case models.EventSessionEnd:
		return a.applySessionEnd(ctx, ev)
	case models.EventClick:
		return nil
	default:
		return &models.ValidationError{Fields: []string{"type"}, Message: "unsupported event type " + string(ev.Type)}
	}
}

func (a *Aggregator) applyPageView(ctx context.Context, ev models.VisitorEvent) error {
	s := a.store
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	minute := visitorsMinuteKey(utils.MinuteBucket(ev.Timestamp))
	startedAt := strconv.FormatInt(a.now().UnixMilli(), 10)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyActiveSessions, ev.SessionID)
		pipe.HIncrBy(ctx, keyPageViews, ev.Page, 1)
		pipe.Incr(ctx, keyVisitsToday)
		pipe.LPush(ctx, journeyKey(ev.SessionID), ev.Page)
		pipe.SetNX(ctx, startKey(ev.SessionID), startedAt, 0)
		pipe.PFAdd(ctx, minute, ev.SessionID)
		pipe.Expire(ctx, minute, s.minuteTTL)
		return nil
	})
	if err != nil {
		return unavailable("apply page_view", err)
	}
	return nil
}

func (a *Aggregator) applySessionEnd(ctx context.Context, ev models.VisitorEvent) error {
	s := a.store
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.SRem(ctx, keyActiveSessions, ev.SessionID).Err(); err != nil {
		return unavailable("apply session_end", err)
	}
	return nil
}

// Snapshot reads the active count, daily total and page counts in one transaction,
// so the three values are mutually consistent. It never modifies state.
func (a *Aggregator) Snapshot(ctx context.Context) (models.AggregateStats, error) {
	s := a.store
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var active *redis.IntCmd
	var today *redis.StringCmd
	var pages *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		active = pipe.SCard(ctx, keyActiveSessions)
		today = pipe.Get(ctx, keyVisitsToday)
		pages = pipe.HGetAll(ctx, keyPageViews)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.AggregateStats{}, unavailable("snapshot", err)
	}

	stats := models.AggregateStats{
		TotalActive:  active.Val(),
		PagesVisited: make(map[string]int64, len(pages.Val())),
	}
	if n, err := today.Int64(); err == nil {
		stats.TotalToday = n
	}
	for page, raw := range pages.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		stats.PagesVisited[page] = n
	}
	return stats, nil
}
