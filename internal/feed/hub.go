// Package feed streams device events to local websocket clients (kiosk
// displays, bench tooling).
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/care/dactyl/internal/types"
)

const (
	clientBuffer = 32
	writeWait    = 2 * time.Second
	pingPeriod   = 30 * time.Second
)

// Envelope is the frame written to clients
type Envelope struct {
	Kind  types.EventKind `json:"kind"`
	Event json.RawMessage `json:"event"`
}

type client struct {
	send  chan []byte
	kinds map[types.EventKind]bool // empty means all
}

func (c *client) wants(kind types.EventKind) bool {
	return len(c.kinds) == 0 || c.kinds[kind]
}

// Hub broadcasts events to connected websocket clients. Slow clients lose
// frames instead of stalling the hub.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	sent    uint64
	dropped uint64
}

// NewHub creates a hub. allowedOrigins empty accepts any origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if origin == o {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run broadcasts events until ctx is done or the channel closes
func (h *Hub) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev types.Event) {
	body, err := ev.ToJSON()
	if err != nil {
		slog.Error("failed to marshal feed event", "kind", ev.Kind(), "error", err)
		return
	}
	frame, err := json.Marshal(Envelope{Kind: ev.Kind(), Event: body})
	if err != nil {
		slog.Error("failed to marshal feed envelope", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Kind()) {
			continue
		}
		select {
		case c.send <- frame:
			h.sent++
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns frame counters
func (h *Hub) Stats() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]interface{}{
		"clients": len(h.clients),
		"sent":    h.sent,
		"dropped": h.dropped,
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
// ?kind=match,enrollment restricts the stream.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("failed to upgrade feed connection", "error", err, "remote", c.Request.RemoteAddr)
		return
	}

	cl := &client{send: make(chan []byte, clientBuffer), kinds: parseKinds(c.Query("kind"))}
	h.register(cl)
	slog.Info("feed client connected", "remote", c.Request.RemoteAddr, "clients", h.Clients())

	go h.readPump(conn, cl)
	h.writePump(conn, cl)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client input and unregisters on disconnect
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer h.unregister(c)
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		slog.Debug("feed client disconnected")
	}()

	for {
		select {
		case frame, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

func parseKinds(q string) map[types.EventKind]bool {
	if q == "" {
		return nil
	}
	kinds := make(map[types.EventKind]bool)
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[types.EventKind(k)] = true
		}
	}
	return kinds
}
