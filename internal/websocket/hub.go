package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/automix/internal/logger"
	"github.com/makeasinger/automix/internal/model"
)

// Subscriber delivers raw progress payloads for one session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, onMsg func(payload []byte)) error
}

// StatusSource provides the snapshot sent when a client connects.
type StatusSource interface {
	Status(ctx context.Context, sessionID string) (*model.SessionStatus, error)
}

// Client represents a WebSocket client
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte

	mu      sync.Mutex
	closed  bool
	version int64
}

// send queues a message and drops it when the client is slow or gone.
func (c *Client) send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueue(msg)
}

// deliver queues a progress payload unless the client already holds the
// same or a newer snapshot version. Stale payloads count as delivered.
func (c *Client) deliver(version int64, msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version <= c.version {
		return !c.closed
	}
	if !c.enqueue(msg) {
		return false
	}
	c.version = version
	return true
}

// enqueue requires mu.
func (c *Client) enqueue(msg []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// progressVersion reads the snapshot version of a published payload.
func progressVersion(payload []byte) int64 {
	var ev struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0
	}
	return ev.Version
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Hub tracks websocket subscribers. Each connection holds its own bus
// subscription and receives the published payloads verbatim.
type Hub struct {
	// Clients grouped by session ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	bus    Subscriber
	status StatusSource
	log    *logger.Logger

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(bus Subscriber, status StatusSource, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		bus:        bus,
		status:     status,
		log:        log.With("service", "ProgressRelay"),
	}
}

// Run starts the hub's main loop and closes every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "session_id", client.SessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.SessionID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					client.close()
					if len(clients) == 0 {
						delete(h.clients, client.SessionID)
					}
				}
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered", "session_id", client.SessionID)

		case <-ctx.Done():
			h.mu.Lock()
			for id, clients := range h.clients {
				for client := range clients {
					client.close()
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a new client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{
		SessionID: sessionID,
		Conn:      c,
		Send:      make(chan []byte, 256),
	}

	// subscribe before reading the snapshot so no transition falls between them
	if err := h.bus.Subscribe(ctx, sessionID, func(payload []byte) {
		if !client.deliver(progressVersion(payload), payload) {
			h.log.Warn("dropping progress event for slow client", "session_id", sessionID)
		}
	}); err != nil {
		h.writeError(c, sessionID, model.NewError(model.KindStorage, "progress subscription failed", err))
		return
	}

	st, err := h.status.Status(ctx, sessionID)
	if err != nil {
		h.writeError(c, sessionID, err)
		return
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	if snapshot, err := json.Marshal(model.NewProgressEvent(st)); err == nil {
		client.deliver(st.Version, snapshot)
	}

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "session_id", sessionID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.send(data)
		}
	}
}

func (h *Hub) writeError(c *websocket.Conn, sessionID string, err error) {
	kind := model.KindOf(err)
	if kind == "" {
		kind = model.KindStorage
	}
	data, _ := json.Marshal(model.WSErrorMessage{
		Type:      model.WSMessageTypeError,
		SessionID: sessionID,
		ErrorKind: kind,
		Message:   err.Error(),
	})
	_ = c.WriteMessage(websocket.TextMessage, data)
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
