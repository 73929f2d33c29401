// Package realtime pushes review activity to connected dashboards over
// WebSocket: new submissions and every flow state change.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/credgate/internal/authflow"
	"github.com/mbd888/credgate/internal/metrics"
	"github.com/mbd888/credgate/internal/requests"
)

const (
	// MaxClients caps concurrent dashboard connections.
	MaxClients = 1000

	sendBuffer   = 64
	eventBuffer  = 256
	maxFrameSize = 16 * 1024
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait / 2
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and browsers on the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

type EventType string

const (
	EventRequestSubmitted EventType = "request_submitted"
	EventFlowChanged      EventType = "flow_changed"
)

// Event is one message sent to dashboards.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription narrows what a dashboard receives. Each non-empty field must
// match; the zero value receives everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	RequestIDs []string    `json:"requestIds"`
	// Reviewer limits flow events to one admin. Submissions always pass.
	Reviewer string `json:"reviewer"`
}

// Matches reports whether ev passes the subscription.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.RequestIDs) > 0 && !slices.Contains(s.RequestIDs, ev.RequestID) {
		return false
	}
	if s.Reviewer != "" && ev.Type == EventFlowChanged {
		fe, ok := ev.Data.(authflow.FlowEvent)
		return !ok || strings.EqualFold(fe.Reviewer, s.Reviewer)
	}
	return true
}

// Client is one dashboard connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Stats is a snapshot of hub activity, exposed on /v1/info.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
}

// Hub fans events out to dashboard connections. All membership changes go
// through Run.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger.With("component", "realtime"),
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, eventBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			n := h.add(c)
			h.logger.Debug("dashboard connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("dashboard disconnected", "clients", n)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *Client) int {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	for {
		peak := h.peakClients.Load()
		if int64(n) <= peak || h.peakClients.CompareAndSwap(peak, int64(n)) {
			break
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

// removeLocked closes c's send channel, which makes writePump send a close
// frame. Callers hold h.mu.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// deliver writes ev to every matching client. Clients whose buffer is full
// are disconnected rather than blocking the hub.
func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range lagging {
		h.removeLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("disconnected lagging dashboards", "count", len(lagging))
}

// Broadcast queues ev for delivery. Events are dropped when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
		metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Type), "queued").Inc()
	default:
		metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		h.logger.Warn("event queue full, dropping event", "type", ev.Type, "request_id", ev.RequestID)
	}
}

// RequestSubmitted announces a new request.
func (h *Hub) RequestSubmitted(req *requests.AuthorizationRequest) {
	h.Broadcast(&Event{
		Type:      EventRequestSubmitted,
		RequestID: req.ID,
		Timestamp: time.Now(),
		Data:      req.Clone(),
	})
}

// FlowChanged announces a review flow transition.
func (h *Hub) FlowChanged(ev authflow.FlowEvent) {
	h.Broadcast(&Event{
		Type:      EventFlowChanged,
		RequestID: ev.RequestID,
		Timestamp: ev.At,
		Data:      ev,
	})
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
	}
}

// RegisterRoutes mounts the WebSocket endpoint. The group must already
// require the admin role.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", func(c *gin.Context) { h.HandleWebSocket(c.Writer, c.Request) })
}

// HandleWebSocket upgrades the connection and starts its pumps. New
// connections are refused once the hub has stopped or is full.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), sub: Subscription{AllEvents: true}}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates sent by the dashboard. Frames that
// are not a valid Subscription are ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) == nil {
			c.subscribe(sub)
		}
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
