// Package notify pushes alert and insight events to connected WebSocket
// consumers (dashboards, mobile sync, audit listeners). Consumers may narrow
// their subscription to specific event types at connect time.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

// Event is the wire envelope for everything the hub broadcasts.
type Event struct {
	Type    string      `json:"type"` // "alert", "insight", "device_status", "network"
	Payload interface{} `json:"payload"`
}

// registration pairs a client with its event-type filter at admission time.
type registration struct {
	client clientInterface
	wants  map[string]struct{} // nil subscribes to every event type
}

// Hub manages WebSocket connections and routes events to the clients
// subscribed to each event type.
type Hub struct {
	log        *zap.Logger
	clients    map[clientInterface]map[string]struct{}
	broadcast  chan Event
	register   chan registration
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewHub creates a hub. Call Run to start the processing loop.
func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log,
		clients:    make(map[clientInterface]map[string]struct{}),
		broadcast:  make(chan Event, 256),
		register:   make(chan registration),
		unregister: make(chan clientInterface),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client] = reg.wants
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client connected",
				zap.Int("total", count),
				zap.Int("filtered_types", len(reg.wants)),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client disconnected", zap.Int("total", count))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", zap.Error(err))
				continue
			}
			// Full lock: the default branch may delete from the map.
			h.mu.Lock()
			for client, wants := range h.clients {
				if wants != nil {
					if _, ok := wants[event.Type]; !ok {
						continue
					}
				}
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					// Client's send channel is full, disconnect it.
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.log.Info("websocket hub stopping")
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]map[string]struct{})
	h.mu.Unlock()
}

// Broadcast queues an event for the clients subscribed to its type. Drops
// the event when the broadcast channel is full rather than blocking the
// caller.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, event dropped", zap.String("type", event.Type))
	}
}

// Register adds a client to the hub. With no event types the client receives
// everything. Reports false when the hub has already stopped.
func (h *Hub) Register(client clientInterface, eventTypes ...string) bool {
	reg := registration{client: client, wants: typeSet(eventTypes)}
	select {
	case h.register <- reg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client from the hub. Returns immediately after Stop
// so pump teardown never hangs.
func (h *Hub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// typeSet normalizes the requested event types; an empty request means all.
func typeSet(eventTypes []string) map[string]struct{} {
	var wants map[string]struct{}
	for _, et := range eventTypes {
		et = strings.TrimSpace(et)
		if et == "" {
			continue
		}
		if wants == nil {
			wants = make(map[string]struct{}, len(eventTypes))
		}
		wants[et] = struct{}{}
	}
	return wants
}

// ServeHTTP handles WebSocket upgrade requests. An optional "types" query
// parameter (comma separated) narrows the subscription: /ws?types=alert,insight.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	var eventTypes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		eventTypes = strings.Split(raw, ",")
	}
	if !h.Register(client, eventTypes...) {
		_ = conn.Close(websocket.StatusGoingAway, "hub stopped") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump sends queued events to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			c.hub.log.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}

// readPump drains inbound frames to detect disconnections.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil {
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {}
