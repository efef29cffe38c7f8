package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"ms-counters/internal/logger"
	"ms-counters/internal/models"
)

// Encode builds the JSON envelope sent to subscribers.
func Encode(eventType models.StreamEventType, payload any) ([]byte, error) {
	return json.Marshal(models.StreamMessage{Type: eventType, Payload: payload})
}

// WriteData writes msg as one SSE data frame.
func WriteData(w io.Writer, msg []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", msg)
	return err
}

// WriteKeepAlive writes an SSE comment frame, ignored by clients.
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}

// Dispatcher fans a committed change out to every registered subscriber.
type Dispatcher struct {
	// mu keeps every subscriber seeing broadcasts in the same order.
	mu       sync.Mutex
	registry *Registry
	log      *logger.Logger
}

func NewDispatcher(registry *Registry, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{registry: registry, log: log}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Broadcast serializes the message once and hands it to each subscriber. A
// subscriber whose Send fails is dropped; the others still receive the
// message. It returns the number of successful deliveries and never fails.
func (d *Dispatcher) Broadcast(eventType models.StreamEventType, payload any) int {
	msg, err := Encode(eventType, payload)
	if err != nil {
		d.log.Error("BROADCAST", fmt.Sprintf("Failed to encode %s: %v", eventType, err))
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := 0
	d.registry.ForEach(func(id int64, conn Conn) {
		if err := conn.Send(msg); err != nil {
			d.log.Warn("BROADCAST", fmt.Sprintf("Dropping client %d: %v", id, err))
			d.registry.Unregister(id)
			return
		}
		delivered++
	})

	d.log.LogBroadcast(string(eventType), delivered)
	return delivered
}
