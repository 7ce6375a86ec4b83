package broadcast

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const maxClientMessage = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browsers connect from the editor's origin; auth happens upstream
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return conn, nil
}

// ServeWS upgrades the request, subscribes the connection to groups and
// pumps messages to it until either side goes away. It blocks for the
// lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, groups ...string) error {
	conn, err := Upgrade(w, r)
	if err != nil {
		return err
	}
	sub := h.Subscribe(groups...)
	log := h.log.With("subscriber_id", sub.ID, "remote", r.RemoteAddr)
	log.Info("websocket subscriber connected", "groups", sub.groups)

	go h.readPump(conn, sub)
	h.writePump(conn, sub)

	log.Info("websocket subscriber disconnected", "dropped", sub.Dropped())
	return nil
}

// readPump discards client messages and keeps the read deadline moving
// while pongs arrive. Any read error ends the subscription.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer h.Unsubscribe(sub)

	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", "subscriber_id", sub.ID, "error", err)
			}
			return
		}
	}
}

// writePump drains the subscriber queue onto the connection and pings it.
func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		h.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case data := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("websocket write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
				time.Now().Add(time.Second))
			return
		}
	}
}
