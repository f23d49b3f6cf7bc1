package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans EventMessages out to every connected /events client. It is the
// supplemental observability surface described in SPEC_FULL.md: the
// protocol itself produces no WebSocket traffic, and whether any client is
// connected has no effect on consensus.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	logger  *zap.SugaredLogger
}

func newHub(logger *zap.SugaredLogger) *hub {
	return &hub{clients: make(map[*wsClient]bool), logger: logger}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// publish is called by eventsAdapter, which is wired as the Engine's Events
// field, so phase transitions reach connected clients without the Engine
// knowing anything about HTTP.
func (h *hub) publish(ev EventMessage) {
	data, err := json.Marshal(ev)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorw("event_marshal_failed", "err", err)
		}
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow client; drop rather than block the publisher
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards inbound frames; this feed is read-only from
// the client's perspective, but we still need to notice a closed
// connection.
func (c *wsClient) readPump(h *hub) {
	defer h.unregister(c)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("ws_upgrade_failed", "err", err)
		}
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.hub.register(c)
	go c.writePump()
	go c.readPump(s.hub)
}
