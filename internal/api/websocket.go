package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
)

// Frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeCommand     = "command"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSAllEvents subscribes a client to every report type.
	WSAllEvents = "*"
)

const (
	wsSendBuffer = 256

	// A client whose buffer stays full for this many reports in a row is
	// disconnected.
	wsMaxDrops = 32
)

// WSMessage is the envelope of every frame in either direction.
//
// Events carry an encoded gateway report in Payload with its type in
// EventType. Commands carry an encoded gateway request in Payload.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
// Channels are report type tags such as "report_check_done", or "*".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Origins are enforced by the CORS middleware before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsTimings are the keepalive settings derived from config.
type wsTimings struct {
	ping      time.Duration
	idle      time.Duration // read deadline: ping interval plus pong grace
	write     time.Duration
	readLimit int64
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	pong := time.Duration(cfg.PongTimeout) * time.Second
	ping := time.Duration(cfg.PingInterval) * time.Second
	return wsTimings{ping: ping, idle: ping + pong, write: pong, readLimit: int64(cfg.MaxMessageSize)}
}

// WSClient is one websocket session.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	drops     atomic.Int32

	mu       sync.Mutex
	channels map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, channels []string) *WSClient {
	c := &WSClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			c.channels[ch] = struct{}{}
		}
	}
	return c
}

// handleWebSocket upgrades the connection and starts the client's pumps.
//
// The optional "types" query parameter (comma separated) selects the
// initial report subscriptions; by default a client receives every report.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channels := []string{WSAllEvents}
	if q := r.URL.Query().Get("types"); q != "" {
		channels = strings.Split(q, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	c := newWSClient(s.hub, conn, channels)
	if !s.hub.Register(c) {
		conn.Close()
		return
	}

	t := newWSTimings(s.wsCfg)
	s.hub.pumps.Add(2)
	go c.writePump(t)
	go c.readPump(t)
}

// close ends the session; both pumps exit soon after.
func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *WSClient) readPump(t wsTimings) {
	defer c.hub.pumps.Done()
	defer c.hub.Unregister(c)

	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.idle)) }
	c.conn.SetReadLimit(t.readLimit)
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // as above
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	defer c.hub.pumps.Done()
	ping := time.NewTicker(t.ping)
	defer ping.Stop()

	write := func(kind int, data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(t.write)) //nolint:errcheck // write error caught below
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-c.send:
			if !write(websocket.TextMessage, data) {
				c.hub.Unregister(c)
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscribe(msg)
	case WSTypeCommand:
		req, apiErr := queueRequest(c.hub.gw, msg.Payload)
		if apiErr != nil {
			c.reply(msg.ID, WSTypeError, apiErr)
			return
		}
		c.reply(msg.ID, WSTypeResponse, map[string]any{"queued": req.Type()})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) handleSubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	add := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range sub.Channels {
		if add {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

// wants reports whether the client subscribed to reports of eventType.
func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, all := c.channels[WSAllEvents]
	_, one := c.channels[eventType]
	return all || one
}

// trySend queues a frame without blocking. A full buffer drops the frame;
// too many drops in a row evict the client.
func (c *WSClient) trySend(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
		c.drops.Store(0)
	default:
		if c.drops.Add(1) >= wsMaxDrops {
			c.hub.evict(c)
		}
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	msg := WSMessage{Type: msgType, ID: id, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.hub.logger.Error("failed to marshal websocket reply", "error", err)
			return
		}
		msg.Payload = raw
	}
	if frame, err := json.Marshal(msg); err == nil {
		c.trySend(frame)
	}
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, &Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: message})
}
