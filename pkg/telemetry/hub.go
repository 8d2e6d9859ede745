// Package telemetry streams crash samples and machine status to
// WebSocket clients as JSON-RPC notifications.
package telemetry

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/metrics"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 64 * 1024
)

// StatusFunc returns the document answered to "crash.status" requests.
type StatusFunc func() any

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

// Hub tracks connected clients and fans samples out to them.
type Hub struct {
	upgrader websocket.Upgrader
	status   StatusFunc
	log      *log.Logger

	mu      sync.RWMutex
	clients map[int64]*client
	nextID  atomic.Int64
	dropped atomic.Uint64
}

// NewHub creates a hub. status may be nil.
func NewHub(status StatusFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		status:  status,
		log:     log.GetLogger("telemetry"),
		clients: make(map[int64]*client),
	}
}

// Publish broadcasts a metrics sample. It never blocks; clients with a
// full send buffer miss the sample.
func (h *Hub) Publish(s metrics.Sample) {
	h.Broadcast("notify_crash_"+s.Kind, []any{s})
}

// Broadcast sends a notification to every client.
func (h *Hub) Broadcast(method string, params any) {
	msg := rpcMessage{JSONRPC: "2.0", Method: method, Params: params}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(msg)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped on full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[int64]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:     h.nextID.Add(1),
		conn:   conn,
		hub:    h,
		sendCh: make(chan rpcMessage, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.WithField("client", c.id).Debug("client connected")

	go c.writePump()
	c.send(rpcMessage{JSONRPC: "2.0", Method: "notify_crash_connected"})
	c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.log.WithField("client", c.id).Debug("client disconnected")
}

type client struct {
	id     int64
	conn   *websocket.Conn
	hub    *Hub
	sendCh chan rpcMessage
	done   chan struct{}
	once   sync.Once
}

func (c *client) send(msg rpcMessage) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			body, err := json.Marshal(msg)
			if err != nil {
				c.hub.log.WithError(err).Warn("telemetry encode failed")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handle(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcMessage{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}

	switch req.Method {
	case "crash.status":
		var result any = map[string]any{}
		if c.hub.status != nil {
			result = c.hub.status()
		}
		c.send(rpcMessage{JSONRPC: "2.0", Result: result, ID: req.ID})
	default:
		c.send(rpcMessage{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32601, Message: "Method not found: " + req.Method}})
	}
}
