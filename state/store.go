// Package state holds the live visitor aggregate in redis. The Aggregator is the
// only writer; everything else goes through the read accessors on Store.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"visitorpulse/api/models"
	"visitorpulse/api/utils"
)

const (
	keyActiveSessions = "active_sessions"
	keyPageViews      = "page_views"
	keyVisitsToday    = "total_visits_today"
)

func journeyKey(sessionID string) string {
	return "session:" + sessionID + ":journey"
}

func startKey(sessionID string) string {
	return "session:" + sessionID + ":start"
}

func visitorsMinuteKey(minute time.Time) string {
	return "visitors:minute:" + strconv.FormatInt(minute.Unix()/60, 10)
}

// Options tunes the store. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds every round trip to redis.
	Timeout time.Duration
	// MinuteTTL is how long per-minute visitor sketches are kept.
	MinuteTTL time.Duration
}

// Store is the redis-backed shared state store.
type Store struct {
	rdb       redis.UniversalClient
	timeout   time.Duration
	minuteTTL time.Duration
}

func NewStore(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MinuteTTL <= 0 {
		opts.MinuteTTL = 20 * time.Minute
	}
	return &Store{rdb: rdb, timeout: opts.Timeout, minuteTTL: opts.MinuteTTL}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// Ping checks that the store answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// ActiveSessionIDs returns the members of the active-session set, sorted.
func (s *Store) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ids, err := s.rdb.SMembers(ctx, keyActiveSessions).Result()
	if err != nil {
		return nil, unavailable("active sessions", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// IsActive reports whether sessionID is in the active-session set.
func (s *Store) IsActive(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.SIsMember(ctx, keyActiveSessions, sessionID).Result()
	if err != nil {
		return false, unavailable("is active", err)
	}
	return ok, nil
}

// Session reads a session's journey (arrival order) and start time in one transaction.
// hasStart is false when no start was ever recorded.
func (s *Store) Session(ctx context.Context, sessionID string) (journey []string, startedAt time.Time, hasStart bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var pages *redis.StringSliceCmd
	var start *redis.StringCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pages = pipe.LRange(ctx, journeyKey(sessionID), 0, -1)
		start = pipe.Get(ctx, startKey(sessionID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, unavailable("session", err)
	}

	journey = arrivalOrder(pages.Val())
	ms, startErr := start.Int64()
	switch {
	case startErr == nil:
		return journey, time.UnixMilli(ms).UTC(), true, nil
	case errors.Is(startErr, redis.Nil):
		return journey, time.Time{}, false, nil
	default:
		return nil, time.Time{}, false, fmt.Errorf("session %s: corrupt start time: %w", sessionID, startErr)
	}
}

// Journey returns the pages of a session in arrival order.
func (s *Store) Journey(ctx context.Context, sessionID string) ([]string, error) {
	journey, _, _, err := s.Session(ctx, sessionID)
	return journey, err
}

// UniqueVisitorsPerMinute returns the approximate distinct session count for each minute.
// Minutes with no record map to 0.
func (s *Store) UniqueVisitorsPerMinute(ctx context.Context, minutes []time.Time) (map[time.Time]uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cmds := make([]*redis.IntCmd, len(minutes))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range minutes {
			cmds[i] = pipe.PFCount(ctx, visitorsMinuteKey(utils.MinuteBucket(m)))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("visitors per minute", err)
	}
	out := make(map[time.Time]uint64, len(minutes))
	for i, m := range minutes {
		out[utils.MinuteBucket(m)] = uint64(cmds[i].Val())
	}
	return out, nil
}

// LPUSH keeps the newest page first; callers always see arrival order.
func arrivalOrder(stored []string) []string {
	out := make([]string, len(stored))
	for i, p := range stored {
		out[len(stored)-1-i] = p
	}
	return out
}
