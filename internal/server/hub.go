package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stt-pipeline/internal/engine"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512

	clientBuffer       = 32
	subscriptionBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub pushes every transcript from a broadcaster subscription to the
// connected websocket clients. A client that cannot keep up is
// disconnected instead of slowing the others down.
type Hub struct {
	transcripts <-chan engine.Transcript
	unsubscribe func()

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int32

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub subscribes to b. Run must be called to start delivery.
func NewHub(b *engine.Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Hub {
	transcripts, unsubscribe := b.Subscribe(subscriptionBuffer)
	return &Hub{
		transcripts: transcripts,
		unsubscribe: unsubscribe,
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		metrics:     m,
		logger:      logger,
	}
}

// Run delivers transcripts until ctx is canceled or the broadcaster is
// closed, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.unsubscribe()
		for client := range h.clients {
			h.remove(client)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.updateCount()
			h.logger.Info("Websocket client connected",
				slog.String("remote_addr", client.conn.RemoteAddr().String()),
				slog.Int("clients", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info("Websocket client disconnected",
					slog.String("remote_addr", client.conn.RemoteAddr().String()),
					slog.Int("clients", len(h.clients)),
				)
			}

		case transcript, ok := <-h.transcripts:
			if !ok {
				return
			}
			h.broadcast(transcript)
		}
	}
}

func (h *Hub) broadcast(transcript engine.Transcript) {
	payload, err := json.Marshal(transcript)
	if err != nil {
		h.logger.Error("Failed to encode transcript", slog.String("error", err.Error()))
		return
	}

	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Websocket client too slow, disconnecting",
				slog.String("remote_addr", client.conn.RemoteAddr().String()),
			)
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.count.Store(int32(len(h.clients)))
	if h.metrics != nil {
		h.metrics.SetWebsocketClients(len(h.clients))
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages and detects disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump sends queued transcripts and keepalive pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
