package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Hub broadcasts notifications to connected websocket clients. A client that
// cannot keep up loses messages rather than blocking the engine.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Notification
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Emit queues n for every connected client.
func (h *Hub) Emit(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- n:
		default:
			log.WithField("remote", c.conn.RemoteAddr().String()).Warn("Notification client too slow, dropping message")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams notifications until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade notification connection")
		return
	}

	c := &client{conn: conn, send: make(chan Notification, clientBuffer)}
	h.register(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// readLoop discards inbound frames and notices when the client disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for n := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(n); err != nil {
			log.WithError(err).Debug("Failed to write notification")
			h.unregister(c)
			return
		}
	}
}
