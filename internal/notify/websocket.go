package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 512
)

// The poke itself: an opaque token, never data.
var pokeMessage = []byte("poke")

// Auth is token-based (header or query), not cookie-based, so origin
// checks buy nothing here and the HTTP layer already sets CORS policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams pokes to the connection until
// either side goes away. The caller has already authenticated userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	sub := h.subscribe(userID)
	h.logger.DebugContext(r.Context(), "notification channel open", "user_id", userID)

	go h.writePump(conn, sub)
	h.readPump(conn)

	h.unsubscribe(sub)
	_ = conn.Close()
	h.logger.DebugContext(r.Context(), "notification channel closed", "user_id", userID)
}

// writePump owns all writes: pokes as they arrive, pings on a ticker. It
// exits when the subscription closes or a write fails, closing the
// connection either way so readPump unblocks.
func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case _, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, pokeMessage); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; clients have nothing to say on this
// channel. It keeps the read side alive for pongs and notices disconnects.
func (h *Hub) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
