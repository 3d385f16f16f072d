package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	maxReadSize  = 4096
	inboxSize    = 16
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
}

// WebSocketHandler streams hub events to the UI and feeds UI messages back into the hub.
func (h *Hub) WebSocketHandler(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("notify: websocket upgrade: %s", err)
			return
		}
		defer func() { _ = conn.Close() }()

		sub := h.Subscribe()
		defer h.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn.SetReadLimit(maxReadSize)
		// the http server read timeout would otherwise close long lived streams
		_ = conn.SetReadDeadline(time.Time{})

		// handlers may drain the queue, so they run off the read loop, in order
		inbox := make(chan UIMessage, inboxSize)
		go h.dispatchInbound(inbox)
		go func() {
			defer cancel()
			defer close(inbox)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg UIMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					log.Debugf("notify: invalid ui message: %s", err)
					continue
				}
				select {
				case inbox <- msg:
				default:
					log.Warnf("notify: subscriber [%d] inbox full, dropping %s message", sub.ID, msg.Type)
				}
			}
		}()

		h.forwardEvents(ctx, conn, sub)
	}
}

func (h *Hub) dispatchInbound(inbox <-chan UIMessage) {
	for msg := range inbox {
		h.HandleInbound(msg)
	}
}

func (h *Hub) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugf("notify: write event: %s", err)
				return
			}
		}
	}
}
