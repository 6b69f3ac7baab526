package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
)

// Event stream message types.
const (
	StreamSubscribe   = "subscribe"
	StreamUnsubscribe = "unsubscribe"
	StreamPing        = "ping"
	StreamPong        = "pong"
	StreamEvent       = "event"
	StreamAck         = "ack"
	StreamError       = "error"
)

const (
	// clientQueueSize is how many encoded messages a slow client may lag behind.
	clientQueueSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// StreamRequest is a message from a client.
type StreamRequest struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// StreamMessage is a message to a client. Events carry Channel and
// Document; acknowledgements echo the request ID and list the client's
// subscriptions after the change.
type StreamMessage struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	At       time.Time `json:"at"`
	Channel  string    `json:"channel,omitempty"`
	Channels []string  `json:"channels,omitempty"`
	Error    string    `json:"error,omitempty"`
	Document any       `json:"document,omitempty"`
}

// Hub streams exchange events to WebSocket clients. Channels are
// "<source>.<routing key>"; clients subscribe to exact channels or to
// patterns ending in ".#", or to "#" for everything.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}

	dropped atomic.Uint64
}

// NewHub creates a hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Broadcast sends document to every client subscribed to channel. A client
// whose queue is full misses the event; the loss is counted in Dropped.
func (h *Hub) Broadcast(channel string, document any) {
	data, err := json.Marshal(StreamMessage{
		Type:     StreamEvent,
		At:       time.Now().UTC(),
		Channel:  channel,
		Document: document,
	})
	if err != nil {
		h.logger.Error("encoding stream event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subs.matches(channel) && !c.enqueue(data) {
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

// Dropped returns how many events were not delivered to slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", n)
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Debug("stream client disconnected", "clients", n)
}

func (h *Hub) timings() (ping, pong time.Duration) {
	ping = time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong = time.Duration(h.cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, pong
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, out: make(chan []byte, clientQueueSize)}
	s.hub.add(c)
	go s.hub.writeLoop(c)
	go s.hub.readLoop(c)
}

// readLoop handles client requests until the connection fails.
func (h *Hub) readLoop(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	ping, pong := h.timings()
	extend := func() {
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.conn.SetReadDeadline(time.Now().Add(ping + pong))
	}
	if h.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	}
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		var req StreamRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			switch {
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				h.logger.Warn("stream client read failed", "error", err)
				return
			case errors.As(err, &syntaxErr):
				c.reply(StreamMessage{Type: StreamError, Error: "invalid JSON"})
				extend()
				continue
			default:
				return
			}
		}
		// Browsers do not always answer protocol pings; any request counts.
		extend()
		h.handleRequest(c, req)
	}
}

func (h *Hub) handleRequest(c *streamClient, req StreamRequest) {
	switch req.Type {
	case StreamSubscribe:
		c.reply(StreamMessage{Type: StreamAck, ID: req.ID, Channels: c.subs.add(req.Channels)})
		h.logger.Debug("stream client subscribed", "channels", req.Channels)
	case StreamUnsubscribe:
		c.reply(StreamMessage{Type: StreamAck, ID: req.ID, Channels: c.subs.remove(req.Channels)})
	case StreamPing:
		c.reply(StreamMessage{Type: StreamPong, ID: req.ID})
	default:
		c.reply(StreamMessage{Type: StreamError, ID: req.ID, Error: "unknown message type " + req.Type})
	}
}

// writeLoop drains the client's queue and keeps the connection alive.
func (h *Hub) writeLoop(c *streamClient) {
	ping, pong := h.timings()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(pong))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				//nolint:errcheck // the connection is going away either way
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// streamClient is one connection. out is closed exactly once, by close.
type streamClient struct {
	conn *websocket.Conn
	subs subscriptions

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

// enqueue queues data without blocking and reports whether it was queued.
func (c *streamClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *streamClient) reply(msg StreamMessage) {
	msg.At = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// subscriptions is a client's set of channel patterns.
type subscriptions struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// add inserts patterns and returns the resulting set, sorted.
func (s *subscriptions) add(patterns []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[string]struct{}, len(patterns))
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			s.set[p] = struct{}{}
		}
	}
	return s.listLocked()
}

// remove deletes patterns and returns the resulting set, sorted.
func (s *subscriptions) remove(patterns []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		delete(s.set, strings.TrimSpace(p))
	}
	return s.listLocked()
}

func (s *subscriptions) listLocked() []string {
	out := make([]string, 0, len(s.set))
	for p := range s.set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *subscriptions) matches(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.set {
		if channelMatches(p, channel) {
			return true
		}
	}
	return false
}

// channelMatches reports whether pattern covers channel. "#" covers
// everything and "a.b.#" covers "a.b" and every channel below it.
func channelMatches(pattern, channel string) bool {
	if pattern == "#" || pattern == channel {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".#")
	if !ok {
		return false
	}
	return channel == prefix || strings.HasPrefix(channel, prefix+".")
}
