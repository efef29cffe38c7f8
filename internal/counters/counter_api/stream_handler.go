package counter_api

import (
	"fmt"
	"net/http"
	"time"

	"ms-counters/internal/models"
	"ms-counters/internal/sse"
)

// StreamEvents serves the SSE stream. This goroutine is the only writer to
// the response; broadcasts reach it through the connection's buffer.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, r, http.StatusInternalServerError, msgStreamNotSupport, false)
		return
	}

	conn := sse.NewChanConn(h.Stream.BufferSize)
	registry := h.Dispatcher.Registry()
	clientID, err := registry.Register(conn)
	if err != nil {
		h.sendError(w, r, http.StatusServiceUnavailable, msgShuttingDown, false)
		return
	}
	defer registry.Unregister(clientID)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, err := sse.Encode(models.StreamConnected, models.ConnectedPayload{ClientID: clientID})
	if err != nil {
		h.Logger.Error("STREAM", fmt.Sprintf("Failed to encode connected message: %v", err))
		return
	}
	if err := sse.WriteData(w, hello); err != nil {
		return
	}
	flusher.Flush()
	h.Logger.LogStream(clientID, fmt.Sprintf("Connected from %s", r.RemoteAddr))

	ticker := time.NewTicker(h.Stream.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.Logger.LogStream(clientID, "Disconnected")
			return

		case <-conn.Done():
			h.Logger.LogStream(clientID, "Closed by server")
			return

		case msg := <-conn.Messages():
			if err := sse.WriteData(w, msg); err != nil {
				h.Logger.LogStream(clientID, fmt.Sprintf("Write failed: %v", err))
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if err := sse.WriteKeepAlive(w); err != nil {
				h.Logger.LogStream(clientID, fmt.Sprintf("Keep-alive failed: %v", err))
				return
			}
			flusher.Flush()
		}
	}
}
