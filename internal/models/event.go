package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DefaultCounterName is the counter every event is created with.
const DefaultCounterName = "Main Entrance"

// Event is a trackable session that owns one or more counters.
type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`

	Counters []Counter `bun:"rel:has-many,join:id=event_id" json:"counters"`
}

// EventRemovedPayload is broadcast when an event and its counters are deleted.
type EventRemovedPayload struct {
	EventID int64 `json:"eventId"`
}
