package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// StreamMessage is the envelope pushed to console clients
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

// StreamHub pushes live alerts to connected admin consoles over WebSocket
type StreamHub struct {
	upgrader websocket.Upgrader
	clients  map[string]*streamClient
	mu       sync.RWMutex
	metrics  *monitoring.Metrics
	log      logger.Logger
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewStreamHub creates an empty hub
func NewStreamHub(metrics *monitoring.Metrics, log logger.Logger) *StreamHub {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*streamClient),
		metrics: metrics,
		log:     log.WithField("component", "alert_stream"),
	}
}

// ServeHTTP upgrades the request and streams alerts until the client goes away
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "error", err)
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if hello, err := encodeMessage("connected", map[string]string{"client_id": client.id}); err == nil {
		client.send <- hello
	}
	h.register(client)

	go h.writePump(client)
	h.readPump(client)
}

// Send broadcasts the alert. Clients whose buffer is full are disconnected.
func (h *StreamHub) Send(ctx context.Context, alert *Alert) error {
	data, err := encodeMessage("alert", alert)
	if err != nil {
		return err
	}

	// sends happen under the read lock so unregister cannot close a channel mid-send
	var slow []*streamClient
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Stream client buffer full, closing connection", "client_id", c.id)
		h.unregister(c)
	}
	return nil
}

// GetName returns the channel name
func (h *StreamHub) GetName() string {
	return "stream"
}

// IsEnabled returns whether the channel is enabled
func (h *StreamHub) IsEnabled() bool {
	return true
}

// ClientCount returns the number of connected consoles
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *StreamHub) Close() {
	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *StreamHub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetStreamClients(n)
}

func (h *StreamHub) unregister(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.metrics.SetStreamClients(n)
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and detects disconnects
func (h *StreamHub) readPump(c *streamClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("Stream client error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func encodeMessage(kind string, data interface{}) ([]byte, error) {
	return json.Marshal(StreamMessage{Type: kind, Data: data, Time: time.Now()})
}
