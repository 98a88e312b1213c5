package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, server-side clients).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

type liveMessage struct {
	tenantID string
	payload  []byte
}

// LiveHub streams stored events to WebSocket subscribers. Every connection
// is bound to the tenant that authenticated it; a tenant only ever sees its
// own events.
type LiveHub struct {
	clients    map[*websocket.Conn]string // conn -> tenant id
	register   chan registration
	unregister chan *websocket.Conn
	broadcast  chan liveMessage

	mu sync.RWMutex
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

// NewLiveHub creates a hub. Call Run before publishing.
func NewLiveHub() *LiveHub {
	return &LiveHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan liveMessage, config.WSBroadcastBuffer),
	}
}

// Run is the hub's main loop; it exits when ctx is cancelled.
func (h *LiveHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.tenantID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, tenantID := range h.clients {
				if tenantID != msg.tenantID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Publish fans a stored event out to the tenant's subscribers. Messages
// are dropped rather than blocking the processor when the hub is saturated.
func (h *LiveHub) Publish(e event.RawEvent) {
	if !h.HasClients() {
		return
	}
	payload, err := json.Marshal(map[string]any{"type": "event", "event": e})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- liveMessage{tenantID: e.TenantID, payload: payload}:
	default:
	}
}

// HasClients reports whether any subscriber is connected.
func (h *LiveHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// serveWS upgrades the request and keeps the connection alive with pings
// until the client goes away.
func (h *LiveHub) serveWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.register <- registration{conn: conn, tenantID: tenantID}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
