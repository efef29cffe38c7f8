package counter_api

import (
	"fmt"
	"net/http"
	"time"

	"ms-counters/internal/models"
	"ms-counters/internal/sse"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
)

// StreamWebSocket serves the same messages as StreamEvents as text frames.
// Liveness uses ping frames instead of comments.
func (h *Handler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		h.Logger.Warn("STREAM", fmt.Sprintf("WebSocket upgrade failed: %v", err))
		return
	}
	defer ws.Close()

	conn := sse.NewChanConn(h.Stream.BufferSize)
	registry := h.Dispatcher.Registry()
	clientID, err := registry.Register(conn)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, msgShuttingDown),
			time.Now().Add(wsWriteWait))
		return
	}
	defer registry.Unregister(clientID)

	// the reader only exists to notice the peer going away and to
	// answer pongs
	pongWait := 2*h.Stream.KeepAlive + wsWriteWait
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		ws.SetReadLimit(wsMaxMessageSize)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.Logger.LogStream(clientID, fmt.Sprintf("WebSocket read error: %v", err))
				}
				return
			}
		}
	}()

	hello, err := sse.Encode(models.StreamConnected, models.ConnectedPayload{ClientID: clientID})
	if err != nil {
		h.Logger.Error("STREAM", fmt.Sprintf("Failed to encode connected message: %v", err))
		return
	}
	if err := h.writeText(ws, hello); err != nil {
		return
	}
	h.Logger.LogStream(clientID, fmt.Sprintf("WebSocket connected from %s", r.RemoteAddr))

	ticker := time.NewTicker(h.Stream.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			h.Logger.LogStream(clientID, "WebSocket disconnected")
			return

		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(wsWriteWait))
			h.Logger.LogStream(clientID, "WebSocket closed by server")
			return

		case msg := <-conn.Messages():
			if err := h.writeText(ws, msg); err != nil {
				h.Logger.LogStream(clientID, fmt.Sprintf("WebSocket write failed: %v", err))
				return
			}

		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				h.Logger.LogStream(clientID, fmt.Sprintf("WebSocket ping failed: %v", err))
				return
			}
		}
	}
}

func (h *Handler) writeText(ws *websocket.Conn, msg []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteMessage(websocket.TextMessage, msg)
}
