// internal/app/system/pubsub/envelope.go
package pubsub

import (
	"time"

	"github.com/google/uuid"
)

// Event types, also used as routing keys.
const (
	TypeNotificationSend   = "workwatch.notification.send.v1"
	TypeNotificationRevoke = "workwatch.notification.revoke.v1"
)

// Meta describes one published event.
type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. workwatch.notification.send.v1
	Type string `json:"type"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Ties together every event caused by the same change
	CorrelationID *string `json:"correlation_id,omitempty"`
}

// Envelope is the JSON body of every message.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// RevokeData is the payload of a revoke event.
type RevokeData struct {
	EntityID string `json:"entity_id"`
}

// NewEnvelope wraps data. An empty id gets a fresh UUID; empty producer and
// correlation are omitted.
func NewEnvelope(eventType, id, producer, correlationID string, data any, now time.Time) Envelope {
	if id == "" {
		id = uuid.NewString()
	}
	m := Meta{ID: id, Type: eventType, Time: now.UTC()}
	if producer != "" {
		m.Producer = &producer
	}
	if correlationID != "" {
		m.CorrelationID = &correlationID
	}
	return Envelope{Meta: m, Data: data}
}
