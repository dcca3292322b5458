package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncular/syncd/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The socket is bearer-authenticated; origin is not part of the trust
	// model for non-browser clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to realtime.Conn. Sends are
// serialized by a mutex and bounded by a write deadline so one dead peer
// cannot stall a broadcast.
type wsConn struct {
	clientID string
	mu       sync.Mutex
	ws       *websocket.Conn
}

func (c *wsConn) ClientID() string { return c.clientID }

func (c *wsConn) Send(ev realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}

// handleRealtime handles GET /sync/realtime (WebSocket upgrade). The server
// pushes sync wake-ups and heartbeats; no client-to-server messages are
// required, so reads only service control frames.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logFor(r.Context()).Error("websocket upgrade", "err", err)
		return
	}

	conn := &wsConn{clientID: clientID, ws: ws}

	var scopeKeys []string
	if v := r.URL.Query().Get("scopeKeys"); v != "" {
		if err := json.Unmarshal([]byte(v), &scopeKeys); err != nil {
			data, _ := json.Marshal(map[string]string{
				"error":     "invalid scopeKeys",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			conn.Send(realtime.Event{Event: realtime.EventError, Data: data})
			ws.Close()
			return
		}
	}

	unregister := s.rt.Register(conn, scopeKeys)
	defer unregister()

	// Drain the read side until the peer goes away; broadcasts arrive via
	// the registry on the write side.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
