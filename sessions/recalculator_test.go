package sessions

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitorpulse/api/logging"
	"visitorpulse/api/models"
	"visitorpulse/api/realtime"
	"visitorpulse/api/state"
)

type recordingHub struct {
	msgs []models.SessionActivity
}

func (h *recordingHub) Publish(t realtime.MessageType, payload any) {
	if t == realtime.MessageSessionActivity {
		h.msgs = append(h.msgs, payload.(models.SessionActivity))
	}
}

func TestProject(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Project("s1", []string{"/home", "/cart"}, now.Add(-90500*time.Millisecond), true, now)
	assert.Equal(t, "/cart", a.CurrentPage)
	assert.Equal(t, int64(90), a.Duration)

	b := Project("s2", nil, time.Time{}, false, now)
	assert.Equal(t, "", b.CurrentPage)
	assert.Equal(t, int64(0), b.Duration)
	assert.Equal(t, []string{}, b.Journey)

	c := Project("s3", []string{"/home"}, now.Add(time.Minute), true, now)
	assert.Equal(t, int64(0), c.Duration)
}

func newFixture(t *testing.T) (*state.Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.NewAggregator(state.NewStore(rdb, state.Options{Timeout: time.Second})), mr
}

func TestActiveProjectsEverySession(t *testing.T) {
	agg, mr := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mr.Set("session:s1:start", strconv.FormatInt(now.Add(-90*time.Second).UnixMilli(), 10)))
	for _, page := range []string{"/home", "/products"} {
		require.NoError(t, agg.Apply(ctx, models.VisitorEvent{Type: models.EventPageView, SessionID: "s1", Page: page, Timestamp: now}))
	}
	_, err := mr.SAdd("active_sessions", "s3")
	require.NoError(t, err)

	r := NewRecalculator(agg.Store(), &recordingHub{}, logging.Discard())
	activity, err := r.Active(ctx, now)
	require.NoError(t, err)

	require.Len(t, activity, 2)
	assert.Equal(t, models.SessionActivity{SessionID: "s1", CurrentPage: "/products", Journey: []string{"/home", "/products"}, Duration: 90}, activity[0])
	assert.Equal(t, models.SessionActivity{SessionID: "s3", Journey: []string{}}, activity[1])
}

func TestRunSkipsUnreadableSession(t *testing.T) {
	agg, mr := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, agg.Apply(ctx, models.VisitorEvent{Type: models.EventPageView, SessionID: "s1", Page: "/home", Timestamp: now}))
	require.NoError(t, agg.Apply(ctx, models.VisitorEvent{Type: models.EventPageView, SessionID: "s2", Page: "/cart", Timestamp: now}))
	require.NoError(t, mr.Set("session:s2:start", "not-a-number"))

	hub := &recordingHub{}
	require.NoError(t, NewRecalculator(agg.Store(), hub, logging.Discard()).Run(ctx, now))

	require.Len(t, hub.msgs, 1)
	assert.Equal(t, "s1", hub.msgs[0].SessionID)
}

func TestRunLeavesStoreUntouched(t *testing.T) {
	agg, mr := newFixture(t)
	ctx := context.Background()
	require.NoError(t, agg.Apply(ctx, models.VisitorEvent{Type: models.EventPageView, SessionID: "s1", Page: "/home", Timestamp: time.Now()}))
	before := mr.Dump()

	require.NoError(t, NewRecalculator(agg.Store(), &recordingHub{}, logging.Discard()).Run(ctx, time.Now()))
	assert.Equal(t, before, mr.Dump())
}

func TestRunFailsWhenStoreUnavailable(t *testing.T) {
	agg, mr := newFixture(t)
	mr.Close()

	hub := &recordingHub{}
	err := NewRecalculator(agg.Store(), hub, logging.Discard()).Run(context.Background(), time.Now())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Empty(t, hub.msgs)
}
