package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Counter is a named non-negative tally belonging to exactly one event.
type Counter struct {
	bun.BaseModel `bun:"table:counters,alias:c"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	EventID   int64     `bun:"event_id,notnull" json:"event_id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Count     int64     `bun:"count,notnull" json:"count"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// CounterRemovedPayload is broadcast when a counter is deleted.
type CounterRemovedPayload struct {
	EventID   int64 `json:"eventId"`
	CounterID int64 `json:"counterId"`
}
