package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-stepscan/internal/control"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-stepscan/internal/progress"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeRequest     = "request" // abort, pause or resume
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsSendBufferSize is the per-client outbound queue. A progress event is
// dropped for a client whose queue is full.
const wsSendBufferSize = 256

// wsRequestTimeout bounds one operator request sent over the socket.
const wsRequestTimeout = 5 * time.Second

// wsChannels are the channels a client may subscribe to.
var wsChannels = []string{progress.ChannelProgress, progress.ChannelStatus}

// WSMessage is a message sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsInbound is a message received from a client.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSRequestPayload is the payload of a request message. A missing value
// means true.
type WSRequestPayload struct {
	Request string `json:"request"`
	Value   *bool  `json:"value"`
}

// SnapshotFunc returns the current value of a channel.
type SnapshotFunc func() any

// requestFunc forwards an operator request to the controller.
type requestFunc func(ctx context.Context, name string, value bool) error

// Hub fans scan events out to subscribed WebSocket clients.
type Hub struct {
	cfg       config.WebSocketConfig
	logger    *logging.Logger
	clients   map[*WSClient]struct{}
	snapshots map[string]SnapshotFunc
	mu        sync.RWMutex
	dropped   atomic.Int64
}

// WSClient is one connected viewer or console.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	closed        bool
	request       requestFunc // nil when scan control is unavailable
	mu            sync.RWMutex
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		logger:    logger,
		clients:   make(map[*WSClient]struct{}),
		snapshots: make(map[string]SnapshotFunc),
	}
}

// SetSnapshot registers fn as the current value of channel. A client that
// subscribes to channel immediately receives one event carrying fn().
func (h *Hub) SetSnapshot(channel string, fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshots[channel] = fn
	h.mu.Unlock()
}

func (h *Hub) snapshot(channel string) (SnapshotFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.snapshots[channel]
	return fn, ok
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // shutting down
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its queue. Repeated calls are
// harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends payload on channel to every subscribed client.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.isSubscribed(channel) && !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the connection. Channels listed in the
// "channels" query parameter are subscribed on connect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeUnavailable(w, "websocket hub not running")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestIDFrom(r.Context()))
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	if s.controller != nil {
		client.request = func(ctx context.Context, name string, value bool) error {
			return s.controller.RequestFrom(ctx, scandb.SourceWebSocket, name, value)
		}
	}
	accepted, _ := splitChannels(strings.Split(r.URL.Query().Get("channels"), ","))
	client.subscribe(accepted)

	s.hub.Register(client)
	client.sendSnapshots(accepted)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// splitChannels separates known channel names from unknown ones, ignoring
// blanks.
func splitChannels(names []string) (known, unknown []string) {
	for _, ch := range names {
		ch = strings.TrimSpace(ch)
		switch {
		case ch == "":
		case slices.Contains(wsChannels, ch):
			known = append(known, ch)
		default:
			unknown = append(unknown, ch)
		}
	}
	return known, unknown
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // already disconnecting
	}()

	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend("") //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message keeps the
		// connection alive.
		extend("") //nolint:errcheck // see above
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // already disconnecting
	}()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write below fails instead
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // best effort
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write below fails instead
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		var p WSSubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError(msg.ID, "invalid subscribe payload")
			return
		}
		known, unknown := splitChannels(p.Channels)
		c.subscribe(known)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": known, "rejected": unknown})
		c.sendSnapshots(known)

	case WSTypeUnsubscribe:
		var p WSSubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError(msg.ID, "invalid unsubscribe payload")
			return
		}
		c.mu.Lock()
		for _, ch := range p.Channels {
			delete(c.subscriptions, ch)
		}
		c.mu.Unlock()
		c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": p.Channels})

	case WSTypeRequest:
		c.handleRequest(msg)

	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)

	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleRequest lets a console abort, pause or resume the scan over the
// same socket it watches progress on.
func (c *WSClient) handleRequest(msg wsInbound) {
	if c.request == nil {
		c.sendError(msg.ID, "scan control is not available")
		return
	}
	var p WSRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Request == "" {
		c.sendError(msg.ID, "invalid request payload")
		return
	}
	value := p.Value == nil || *p.Value

	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()
	if err := c.request(ctx, p.Request, value); err != nil {
		if errors.Is(err, control.ErrUnknownRequest) {
			c.sendError(msg.ID, "unknown scan request: "+p.Request)
			return
		}
		c.hub.logger.Error("websocket scan request failed", "request", p.Request, "error", err)
		c.sendError(msg.ID, "failed to record request")
		return
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{"request": p.Request, "value": value})
}

func (c *WSClient) subscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *WSClient) sendSnapshots(channels []string) {
	for _, ch := range channels {
		fn, ok := c.hub.snapshot(ch)
		if !ok {
			continue
		}
		data, err := encodeEvent(ch, fn())
		if err != nil {
			c.hub.logger.Warn("encoding websocket snapshot", "channel", ch, "error", err)
			continue
		}
		c.enqueue(data)
	}
}

// enqueue queues data without blocking. It reports false when the client
// is closed or its queue is full.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close closes the send queue once, which ends writePump.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
