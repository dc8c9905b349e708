package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitorpulse/api/logging"
	"visitorpulse/api/models"
	"visitorpulse/api/store"
)

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type fakeEvents struct {
	mu     sync.Mutex
	filter store.EventFilter
	limit  int
	events []models.VisitorEvent
	err    error
}

func (f *fakeEvents) RecentEvents(_ context.Context, filter store.EventFilter, limit int) ([]models.VisitorEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.limit = filter, limit
	return f.events, f.err
}

func newTestHub(registry Registry, events EventSource) *Hub {
	if registry == nil {
		registry = NewLocalRegistry()
	}
	return NewHub(registry, events, HubOptions{SendBuffer: 8, RequestTimeout: time.Second}, logging.Discard(), nil)
}

func newTestClient(h *Hub, id string, buffer int) *Client {
	return &Client{ID: id, hub: h, send: make(chan []byte, buffer), logger: logging.Discard()}
}

func drain(t *testing.T, c *Client) []wireMessage {
	t.Helper()
	var out []wireMessage
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var m wireMessage
			require.NoError(t, json.Unmarshal(raw, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func connectionCount(t *testing.T, m wireMessage) models.ConnectionCount {
	t.Helper()
	require.Equal(t, MessageConnectionCount, m.Type)
	var cc models.ConnectionCount
	require.NoError(t, json.Unmarshal(m.Data, &cc))
	return cc
}

func TestRegisterBroadcastsCountIncludingNewClient(t *testing.T) {
	h := newTestHub(nil, nil)
	ctx := context.Background()
	a := newTestClient(h, "a", 8)
	b := newTestClient(h, "b", 8)

	require.NoError(t, h.Register(ctx, a))
	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, connectionCount(t, msgs[0]).TotalConnected)

	require.NoError(t, h.Register(ctx, b))
	for _, c := range []*Client{a, b} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		cc := connectionCount(t, msgs[0])
		assert.Equal(t, 2, cc.TotalConnected)
		assert.Equal(t, []string{"a", "b"}, cc.ConnectionIDs)
	}
}

func TestUnregisterRestoresCountAndExcludesRemovedClient(t *testing.T) {
	h := newTestHub(nil, nil)
	ctx := context.Background()
	a := newTestClient(h, "a", 8)
	require.NoError(t, h.Register(ctx, a))
	before := h.Count()

	b := newTestClient(h, "b", 8)
	require.NoError(t, h.Register(ctx, b))
	drain(t, a)
	drain(t, b)

	h.Unregister(ctx, b)
	assert.Equal(t, before, h.Count())

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"a"}, connectionCount(t, msgs[0]).ConnectionIDs)

	_, open := <-b.send
	assert.False(t, open)

	h.Unregister(ctx, b)
	assert.Equal(t, before, h.Count())
}

func TestPublishReachesEveryClient(t *testing.T) {
	h := newTestHub(nil, nil)
	ctx := context.Background()
	clients := []*Client{newTestClient(h, "a", 8), newTestClient(h, "b", 8), newTestClient(h, "c", 8)}
	for _, c := range clients {
		require.NoError(t, h.Register(ctx, c))
	}
	for _, c := range clients {
		drain(t, c)
	}

	h.Publish(MessageAlert, models.AlertEvent{Level: models.AlertInfo, Message: "normal traffic"})

	for _, c := range clients {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		assert.Equal(t, MessageAlert, msgs[0].Type)
		assert.Contains(t, string(msgs[0].Data), "normal traffic")
	}
}

func TestPublishDropsSlowClientOnly(t *testing.T) {
	h := newTestHub(nil, nil)
	ctx := context.Background()
	slow := newTestClient(h, "slow", 1)
	fast := newTestClient(h, "fast", 16)

	require.NoError(t, h.Register(ctx, slow))
	drain(t, slow)
	require.NoError(t, h.Register(ctx, fast))

	h.Publish(MessageSessionActivity, models.SessionActivity{SessionID: "s1"})

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, []string{"fast"}, h.LocalIDs())

	var types []MessageType
	for _, m := range drain(t, fast) {
		types = append(types, m.Type)
	}
	assert.Equal(t, []MessageType{MessageConnectionCount, MessageSessionActivity, MessageConnectionCount}, types)
}

func TestPublishRejectsUnknownMessageType(t *testing.T) {
	h := newTestHub(nil, nil)
	c := newTestClient(h, "a", 8)
	require.NoError(t, h.Register(context.Background(), c))
	drain(t, c)

	h.Publish(MessageType("visitor_updte"), nil)
	assert.Empty(t, drain(t, c))
}

func TestDetailedStatsRepliesToRequesterOnly(t *testing.T) {
	events := &fakeEvents{events: []models.VisitorEvent{{EventID: "e1", Country: "US", Page: "/home"}}}
	h := newTestHub(nil, events)
	ctx := context.Background()
	a := newTestClient(h, "a", 8)
	b := newTestClient(h, "b", 8)
	require.NoError(t, h.Register(ctx, a))
	require.NoError(t, h.Register(ctx, b))
	drain(t, a)
	drain(t, b)

	h.handleClientMessage(a, []byte(`{"action":"request_detailed_stats","filter":{"country":"US","page":"/home"}}`))

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageDetailedStats, msgs[0].Type)
	var stats DetailedStats
	require.NoError(t, json.Unmarshal(msgs[0].Data, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, "e1", stats.Events[0].EventID)
	assert.Equal(t, store.EventFilter{Country: "US", Page: "/home"}, events.filter)
	assert.Equal(t, store.MaxRecentEvents, events.limit)
	assert.Empty(t, drain(t, b))
}

func TestDetailedStatsReportsLogFailure(t *testing.T) {
	h := newTestHub(nil, &fakeEvents{err: errors.New("log down")})
	a := newTestClient(h, "a", 8)
	require.NoError(t, h.Register(context.Background(), a))
	drain(t, a)

	h.handleClientMessage(a, []byte(`{"action":"request_detailed_stats"}`))

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	var stats DetailedStats
	require.NoError(t, json.Unmarshal(msgs[0].Data, &stats))
	assert.Equal(t, "event log unavailable", stats.Error)
	assert.Empty(t, stats.Events)
}

func TestUnknownOrMalformedClientMessagesAreIgnored(t *testing.T) {
	h := newTestHub(nil, nil)
	a := newTestClient(h, "a", 8)
	require.NoError(t, h.Register(context.Background(), a))
	drain(t, a)

	h.handleClientMessage(a, []byte(`{"action":"track_dashboard_action","data":{"button":"export"}}`))
	h.handleClientMessage(a, []byte(`{"action":"selfdestruct"}`))
	h.handleClientMessage(a, []byte(`not json`))

	assert.Empty(t, drain(t, a))
	assert.Equal(t, 1, h.Count())
}

func TestCloseDisconnectsEveryClient(t *testing.T) {
	h := newTestHub(nil, nil)
	ctx := context.Background()
	a := newTestClient(h, "a", 8)
	b := newTestClient(h, "b", 8)
	require.NoError(t, h.Register(ctx, a))
	require.NoError(t, h.Register(ctx, b))

	h.Close()
	h.Close()

	assert.Equal(t, 0, h.Count())
	drain(t, a)
	_, open := <-a.send
	assert.False(t, open)
	assert.ErrorIs(t, h.Register(ctx, newTestClient(h, "c", 8)), ErrHubClosed)
}

func TestRedisRegistrySharesCountAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	h1 := newTestHub(NewRedisRegistry(rdb, time.Second, time.Minute), nil)
	h2 := newTestHub(NewRedisRegistry(rdb, time.Second, time.Minute), nil)
	a := newTestClient(h1, "a", 8)
	b := newTestClient(h2, "b", 8)
	require.NoError(t, h1.Register(ctx, a))
	require.NoError(t, h2.Register(ctx, b))

	msgs := drain(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"a", "b"}, connectionCount(t, msgs[0]).ConnectionIDs)

	h1.Close()
	members, err := mr.ZMembers(keyConnectedDashboards)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestRedisRegistryAgesOutIdsWithoutHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	crashed := NewRedisRegistry(rdb, time.Second, time.Minute)
	crashed.now = func() time.Time { return now }
	live := NewRedisRegistry(rdb, time.Second, time.Minute)
	live.now = func() time.Time { return now }

	h := newTestHub(live, nil)
	require.NoError(t, crashed.Add(ctx, "ghost"))
	require.NoError(t, h.Register(ctx, newTestClient(h, "a", 8)))

	now = now.Add(45 * time.Second)
	require.NoError(t, h.Heartbeat(ctx, now))

	now = now.Add(30 * time.Second)
	ids, err := live.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids, "ghost was never refreshed")

	members, err := mr.ZMembers(keyConnectedDashboards)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestRedisRegistryTouchDoesNotResurrectRemovedIds(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	r := NewRedisRegistry(rdb, time.Second, time.Minute)
	require.NoError(t, r.Add(ctx, "a"))
	require.NoError(t, r.Remove(ctx, "a"))
	require.NoError(t, r.Touch(ctx, []string{"a"}))

	ids, err := r.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRegistryFailureFallsBackToLocalCount(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	h := newTestHub(NewRedisRegistry(rdb, 200*time.Millisecond, time.Minute), nil)
	a := newTestClient(h, "a", 8)
	require.NoError(t, h.Register(context.Background(), a))

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"a"}, connectionCount(t, msgs[0]).ConnectionIDs)
}

func TestServeWSRoundTrip(t *testing.T) {
	events := &fakeEvents{events: []models.VisitorEvent{{EventID: "e1"}}}
	h := newTestHub(nil, events)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wireMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m wireMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	assert.Equal(t, 1, connectionCount(t, read()).TotalConnected)

	h.Publish(MessageAlert, models.AlertEvent{Level: models.AlertMilestone, Message: "traffic spike detected"})
	assert.Equal(t, MessageAlert, read().Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionRequestDetailedStats}))
	assert.Equal(t, MessageDetailedStats, read().Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(NewLocalRegistry(), nil, HubOptions{AllowedOrigin: "http://localhost:3000"}, logging.Discard(), nil)

	r := httptest.NewRequest("GET", "/ws/analytics", nil)
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, h.checkOrigin(r))
}
