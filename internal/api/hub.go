package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
)

// Hub fans gateway reports out to websocket clients.
//
// A client that stops reading is not allowed to hold reports back for the
// others: its frames are dropped, and after wsMaxDrops consecutive drops it
// is disconnected.
type Hub struct {
	gw     *gateway.Gateway
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*WSClient]struct{}
	closed  bool

	pumps   sync.WaitGroup
	evicted atomic.Uint64
}

// NewHub creates a hub relaying reports from gw.
func NewHub(gw *gateway.Gateway, logger *logging.Logger) *Hub {
	return &Hub{
		gw:      gw,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run broadcasts every report from sub until ctx is cancelled or sub is
// closed, then disconnects all clients and releases the subscription.
func (h *Hub) Run(ctx context.Context, sub *gateway.Subscription) {
	defer h.gw.Unsubscribe(sub)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			h.Broadcast(msg)
		}
	}
}

// Wait blocks until every client pump has exited.
func (h *Hub) Wait() {
	h.pumps.Wait()
}

// Register adds a client. It returns false once the hub has shut down.
func (h *Hub) Register(c *WSClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "clients", n)
	return true
}

// Unregister removes a client and closes its connection. Safe to call
// more than once for the same client.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if present {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast encodes msg once and queues it for every client subscribed to
// its type.
func (h *Hub) Broadcast(msg gateway.Outgoing) {
	payload, err := gateway.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode report", "type", msg.Type(), "error", err)
		return
	}
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		ID:        uuid.NewString(),
		EventType: msg.Type(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal report frame", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(msg.Type()) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.trySend(frame)
	}
}

// evict disconnects a client that has fallen too far behind.
func (h *Hub) evict(c *WSClient) {
	h.evicted.Add(1)
	h.logger.Warn("disconnecting slow websocket client", "dropped_frames", wsMaxDrops)
	h.Unregister(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Evicted returns how many clients were disconnected for not reading.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
