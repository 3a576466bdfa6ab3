package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
)

type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// StatusFunc reports service state for "status" requests.
type StatusFunc func() map[string]any

// Connection is one /ws client. It receives every hub event, optionally
// filtered to the types it subscribed to.
type Connection struct {
	conn   *websocket.Conn
	events <-chan events.Event
	cancel func()
	status StatusFunc
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	filter map[events.Type]bool
}

func WebSocketHandler(hub *events.Hub, status StatusFunc, checkOrigin func(*http.Request) bool) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Log.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		ch, cancel := hub.Subscribe()
		c := &Connection{
			conn:   conn,
			events: ch,
			cancel: cancel,
			status: status,
			send:   make(chan []byte, 16),
			done:   make(chan struct{}),
		}
		activeConnections.Inc()
		logger.Log.Debug("WebSocket connected", "remote", r.RemoteAddr)

		go c.writePump()
		go c.readPump()
	}
}

// shutdown runs once, from whichever pump stops first.
func (c *Connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
		activeConnections.Dec()
	})
}

func (c *Connection) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("WebSocket error", "error", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("INVALID_REQUEST", "Invalid JSON format")
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump owns all writes to the connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.wants(ev.Type) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Log.Warn("Failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
			eventsSent.WithLabelValues(string(ev.Type)).Inc()

		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *Connection) wants(t events.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filter) == 0 || c.filter[t]
}

func (c *Connection) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "subscribe":
		var types []events.Type
		data, _ := json.Marshal(msg.Payload)
		if err := json.Unmarshal(data, &types); err != nil {
			c.sendError("INVALID_REQUEST", "subscribe expects a list of event types")
			return
		}
		c.mu.Lock()
		c.filter = make(map[events.Type]bool, len(types))
		for _, t := range types {
			c.filter[t] = true
		}
		c.mu.Unlock()
		c.reply(WSMessage{Type: "subscribed", Payload: types})
	case "status":
		payload := map[string]any{"connected": true}
		if c.status != nil {
			for k, v := range c.status() {
				payload[k] = v
			}
		}
		c.reply(WSMessage{Type: "status", Payload: payload})
	case "ping":
		c.reply(WSMessage{Type: "pong"})
	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type: "+msg.Type)
	}
}

func (c *Connection) sendError(code, message string) {
	RecordError("ws_" + code)
	c.reply(WSMessage{Type: "error", Payload: map[string]string{"code": code, "message": message}})
}

// reply queues a direct answer; it gives up when the client is gone.
func (c *Connection) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}
