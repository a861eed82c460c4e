package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"aviatorclient/internal/app"
	"aviatorclient/internal/metrics"
)

const writeWait = 10 * time.Second

// Message is the envelope for everything pushed over /ws.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one UI connection. out holds at most the latest unsent state;
// an older pending state is dropped in favour of a newer one. done closes
// once the writer goroutine has stopped touching conn.
type Client struct {
	conn  *websocket.Conn
	admin string
	out   chan []byte
	done  chan struct{}
	mu    sync.Mutex
	log   *zap.Logger
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeJSON(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("marshal message", zap.Error(err))
		return
	}
	if err := c.write(data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
	}
}

func (c *Client) offer(data []byte) {
	for {
		select {
		case c.out <- data:
			return
		default:
		}
		select {
		case <-c.out:
		default:
		}
	}
}

func (c *Client) pump() {
	defer close(c.done)
	for data := range c.out {
		if err := c.write(data); err != nil {
			c.log.Debug("write failed", zap.Error(err))
		}
	}
}

// Hub pushes a fresh snapshot to every connected UI whenever the application
// state changes.
type Hub struct {
	snapshot func(adminFlag string) app.Snapshot
	log      *zap.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	changed    chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub(snapshot func(adminFlag string) app.Snapshot, log *zap.Logger) *Hub {
	return &Hub{
		snapshot:   snapshot,
		log:        log.Named("hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.UIClients.Inc()
			go client.pump()
			h.send(client, h.encode(client.admin, "initial_state"))
			h.log.Info("client connected", zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.out)
				metrics.UIClients.Dec()
				h.log.Info("client disconnected", zap.Int("total", len(h.clients)))
			}
			h.mu.Unlock()

		case <-h.changed:
			h.mu.RLock()
			encoded := make(map[string][]byte)
			for client := range h.clients {
				data, ok := encoded[client.admin]
				if !ok {
					data = h.encode(client.admin, "state")
					encoded[client.admin] = data
				}
				h.send(client, data)
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.out)
				metrics.UIClients.Dec()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Notify marks the state dirty. It never blocks; bursts of changes collapse
// into one push.
func (h *Hub) Notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient returns nil once the hub has stopped.
func (h *Hub) RegisterClient(conn *websocket.Conn, adminFlag string) *Client {
	client := &Client{
		conn:  conn,
		admin: adminFlag,
		out:   make(chan []byte, 1),
		done:  make(chan struct{}),
		log:   h.log,
	}
	select {
	case h.register <- client:
		return client
	case <-h.done:
		return nil
	}
}

// UnregisterClient returns once the client's writer has exited, after which
// the connection is no longer used by the hub.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
	<-client.done
}

func (h *Hub) encode(adminFlag, typ string) []byte {
	data, err := json.Marshal(Message{Type: typ, Data: h.snapshot(adminFlag)})
	if err != nil {
		h.log.Error("marshal snapshot", zap.Error(err))
		return nil
	}
	return data
}

func (h *Hub) send(client *Client, data []byte) {
	if data != nil {
		client.offer(data)
	}
}
