package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"topup-reconciler/internal/feed"
	"topup-reconciler/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	alertMessageType = "payment_request_created"

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	clientBuffer = 32
)

// alertMessage is the websocket frame carrying one alert.
type alertMessage struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   feed.Alert `json:"payload"`
}

// AlertHub streams feed alerts to connected operator consoles.
type AlertHub struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*alertClient]struct{}
	closed  bool
}

type alertClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewAlertHub creates an empty hub. Any origin is accepted.
func NewAlertHub(logger *slog.Logger, m *metrics.Metrics) *AlertHub {
	return &AlertHub{
		logger:  logger.With("component", "alerts"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*alertClient]struct{}),
	}
}

// Publish fans an alert out to every client. Clients whose buffer is full are disconnected.
func (h *AlertHub) Publish(a feed.Alert) {
	data, err := json.Marshal(alertMessage{
		ID:        uuid.NewString(),
		Type:      alertMessageType,
		Timestamp: time.Now().UTC(),
		Payload:   a,
	})
	if err != nil {
		h.logger.Error("marshal alert", "request_id", a.RequestID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow alert client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// Clients reports the number of connected clients.
func (h *AlertHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams alerts until the client leaves.
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &alertClient{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.AlertClients.Inc()
	}
	h.logger.Info("alert client connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)
	h.readLoop(c)
}

// Close disconnects every client and refuses new ones.
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *AlertHub) removeLocked(c *alertClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
	if h.metrics != nil {
		h.metrics.AlertClients.Dec()
	}
}

func (h *AlertHub) remove(c *alertClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// readLoop discards client frames and keeps the read deadline fresh on pongs.
func (h *AlertHub) readLoop(c *alertClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("alert client read error", "error", err)
			}
			return
		}
	}
}

func (h *AlertHub) writeLoop(c *alertClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
