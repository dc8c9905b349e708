package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"visitorpulse/api/metrics"
	"visitorpulse/api/models"
	"visitorpulse/api/store"
)

var ErrHubClosed = errors.New("broadcast hub closed")

// EventSource answers detailed-stats requests from dashboards.
type EventSource interface {
	RecentEvents(ctx context.Context, filter store.EventFilter, limit int) ([]models.VisitorEvent, error)
}

type HubOptions struct {
	// AllowedOrigin is matched against the Origin header on upgrade. Empty or "*" allows any.
	AllowedOrigin string
	// SendBuffer is the per-connection queue length; a full queue drops the connection.
	SendBuffer int
	// RequestTimeout bounds registry and detailed-stats calls.
	RequestTimeout time.Duration
}

// Hub owns the dashboard connections of this process and multicasts messages to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	registry Registry
	events   EventSource
	upgrader websocket.Upgrader
	opts     HubOptions
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewHub(registry Registry, events EventSource, opts HubOptions, logger logrus.FieldLogger, m *metrics.Metrics) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	h := &Hub{
		clients:  make(map[string]*Client),
		registry: registry,
		events:   events,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" || origin == h.opts.AllowedOrigin
}

// ServeWS upgrades the request and runs the connection until it goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade dashboard connection")
		return
	}

	client := h.newClient(conn)
	if err := h.Register(r.Context(), client); err != nil {
		h.logger.WithError(err).Warn("Rejecting dashboard connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) newClient(conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		ID:          id,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.opts.SendBuffer),
		connectedAt: h.now().UTC(),
		logger:      h.logger.WithField("connection_id", id),
	}
}

// Register adds c and broadcasts the new connection count, c included.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.clients[c.ID] = c
	local := len(h.clients)
	h.mu.Unlock()

	rctx, cancel := h.withTimeout(ctx)
	err := h.registry.Add(rctx, c.ID)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithField("connection_id", c.ID).Warn("Dashboard registry add failed")
	}
	h.metrics.SetDashboards(local)
	h.logger.WithFields(logrus.Fields{"connection_id": c.ID, "client_count": local}).Info("Dashboard connected")

	h.publishConnectionCount(ctx)
	return nil
}

// Unregister removes c and broadcasts the new count to the remaining connections.
// Unregistering an unknown connection is a no-op.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	if !h.remove(c) {
		return
	}
	rctx, cancel := h.withTimeout(ctx)
	err := h.registry.Remove(rctx, c.ID)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithField("connection_id", c.ID).Warn("Dashboard registry remove failed")
	}
	h.logger.WithFields(logrus.Fields{
		"connection_id": c.ID,
		"connected_for": h.now().Sub(c.connectedAt).Round(time.Second).String(),
	}).Info("Dashboard disconnected")
	h.publishConnectionCount(ctx)
}

func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return false
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.metrics.SetDashboards(len(h.clients))
	return true
}

// Publish sends one message to every registered connection without blocking on any of them.
// Connections whose queue is full are dropped.
func (h *Hub) Publish(t MessageType, payload any) {
	msg, err := encode(t, payload, h.now())
	if err != nil {
		h.logger.WithError(err).WithField("type", t).Error("Failed to encode broadcast")
		return
	}

	var dropped []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			dropped = append(dropped, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.IncBroadcast(string(t))
	for _, c := range dropped {
		h.drop(c)
	}
}

// sendTo queues msg for c alone.
func (h *Hub) sendTo(c *Client, t MessageType, payload any) {
	msg, err := encode(t, payload, h.now())
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode reply")
		return
	}

	h.mu.RLock()
	_, ok := h.clients[c.ID]
	delivered := false
	if ok {
		select {
		case c.send <- msg:
			delivered = true
		default:
		}
	}
	h.mu.RUnlock()

	if ok && !delivered {
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	h.metrics.IncDropped()
	c.logger.WithError(models.ErrBroadcastFailure).Warn("Dropping slow dashboard connection")
	h.Unregister(context.Background(), c)
}

func (h *Hub) publishConnectionCount(ctx context.Context) {
	rctx, cancel := h.withTimeout(ctx)
	ids, err := h.registry.Members(rctx)
	cancel()
	if err != nil {
		h.logger.WithError(err).Warn("Dashboard registry unavailable, reporting local connections")
		ids = h.LocalIDs()
	}
	h.Publish(MessageConnectionCount, models.ConnectionCount{
		TotalConnected: len(ids),
		ConnectionIDs:  ids,
		UpdatedAt:      h.now().UTC(),
	})
}

// Heartbeat refreshes this process's connections in the registry so they do not age out.
func (h *Hub) Heartbeat(ctx context.Context, _ time.Time) error {
	ids := h.LocalIDs()
	rctx, cancel := h.withTimeout(ctx)
	defer cancel()
	if err := h.registry.Touch(rctx, ids); err != nil {
		return fmt.Errorf("dashboard heartbeat: %w", err)
	}
	return nil
}

// Count returns the number of connections held by this process.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) LocalIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.WithError(err).Warn("Invalid dashboard message")
		return
	}

	switch msg.Action {
	case ActionRequestDetailedStats:
		h.sendTo(c, MessageDetailedStats, h.detailedStats(msg.Filter))
	case ActionTrackDashboardAction:
		c.logger.WithField("data", string(msg.Data)).Info("Dashboard action")
	default:
		c.logger.WithField("action", msg.Action).Warn("Unknown dashboard action")
	}
}

func (h *Hub) detailedStats(filter store.EventFilter) DetailedStats {
	out := DetailedStats{Filter: filter, Events: []models.VisitorEvent{}}
	if h.events == nil {
		out.Error = "event log unavailable"
		return out
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()
	events, err := h.events.RecentEvents(ctx, filter, store.MaxRecentEvents)
	if err != nil {
		h.logger.WithError(err).Warn("Detailed stats query failed")
		out.Error = "event log unavailable"
		return out
	}
	if events != nil {
		out.Events = events
	}
	out.Total = len(out.Events)
	return out
}

// withTimeout detaches from the caller's cancellation; registry writes must land
// even when the upgrading request has already finished.
func (h *Hub) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opts.RequestTimeout)
}

// Close disconnects every dashboard and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*Client)
	for _, c := range clients {
		close(c.send)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()
	for id := range clients {
		if err := h.registry.Remove(ctx, id); err != nil {
			h.logger.WithError(err).WithField("connection_id", id).Warn("Dashboard registry remove failed")
		}
	}
	h.metrics.SetDashboards(0)
	h.logger.WithField("closed", len(clients)).Info("Broadcast hub closed")
}
