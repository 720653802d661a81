package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// WSHandler pumps hub events for one identity over a WebSocket connection.
type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWSHandler creates a WebSocket handler over the hub
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{hub: hub, logger: logger}
}

// Serve subscribes the connection's identity and writes events until the
// peer disconnects or ctx is cancelled. It owns the connection lifecycle.
func (h *WSHandler) Serve(ctx context.Context, conn *websocket.Conn, identity string) {
	session := h.hub.Subscribe(identity)
	defer func() {
		session.Close()
		conn.Close()
	}()

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// required to notice disconnects and answer pings.
	go func() {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				session.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-session.Events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
