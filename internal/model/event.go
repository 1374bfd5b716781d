package model

import "time"

// IntegrationEvent is implemented by events intended for cross-application
// delivery. PubsubName and Topic may return "" to defer to the bus
// configuration.
type IntegrationEvent interface {
	EventID() string
	PubsubName() string
	Topic() string
}

// Event is the plain IntegrationEvent used when no richer type exists
// (CLI publishing, tests).
type Event struct {
	ID     string `json:"id"`
	Pubsub string `json:"pubsub_name,omitempty"`
	Name   string `json:"topic"`
	Data   any    `json:"data"`
}

func (e Event) EventID() string    { return e.ID }
func (e Event) PubsubName() string { return e.Pubsub }
func (e Event) Topic() string      { return e.Name }

// DeliveryAttempt is the append-only report row written per inbound delivery.
type DeliveryAttempt struct {
	EventID   string    `db:"event_id" json:"event_id"`
	AppID     string    `db:"app_id" json:"app_id"`
	Topic     string    `db:"topic" json:"topic"`
	Attempt   int       `db:"attempt" json:"attempt"`
	Status    string    `db:"status" json:"status"` // SUCCESS | RETRY | DROP
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
