package models

// StreamEventType names a state change pushed to stream subscribers.
type StreamEventType string

const (
	StreamConnected      StreamEventType = "connected"
	StreamEventAdded     StreamEventType = "event_added"
	StreamEventRemoved   StreamEventType = "event_removed"
	StreamCounterAdded   StreamEventType = "counter_added"
	StreamCounterRemoved StreamEventType = "counter_removed"
	StreamCounterUpdated StreamEventType = "counter_updated"
	StreamError          StreamEventType = "error"
)

// StreamMessage is the JSON envelope carried by every data frame.
type StreamMessage struct {
	Type    StreamEventType `json:"type"`
	Payload any             `json:"payload"`
}

// ConnectedPayload is sent once to a new subscriber.
type ConnectedPayload struct {
	ClientID int64 `json:"clientId"`
}

// ErrorPayload is only broadcast when a call site opts in.
type ErrorPayload struct {
	Message string `json:"message"`
}
