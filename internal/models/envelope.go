// Package models defines the persisted message and cluster record types
// shared across durastore packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AnyNode is the owner id meaning "unowned, claimable by any node".
const AnyNode = 0

// EnvelopeStatus represents the lifecycle state of a persisted envelope.
type EnvelopeStatus string

const (
	StatusIncoming  EnvelopeStatus = "incoming"
	StatusScheduled EnvelopeStatus = "scheduled"
	StatusHandled   EnvelopeStatus = "handled"
	StatusOutgoing  EnvelopeStatus = "outgoing"
)

// Envelope is the unit of message transfer: an opaque body plus the
// metadata columns the store indexes on. The (ID, Destination) pair is
// unique among incoming rows.
type Envelope struct {
	ID            uuid.UUID      `json:"id"`
	MessageType   string         `json:"message_type"`
	Body          []byte         `json:"body"`
	Status        EnvelopeStatus `json:"status"`
	OwnerID       int            `json:"owner_id"`
	ScheduledTime *time.Time     `json:"scheduled_time,omitempty"`
	DeliverBy     *time.Time     `json:"deliver_by,omitempty"`
	Destination   string         `json:"destination"`
	Source        string         `json:"source,omitempty"`
	Attempts      int            `json:"attempts"`
	SentAt        time.Time      `json:"sent_at"`
	KeepUntil     *time.Time     `json:"keep_until,omitempty"`
}

// NewEnvelope creates an outgoing envelope for a message body.
func NewEnvelope(messageType string, body []byte, destination string) *Envelope {
	return &Envelope{
		ID:          uuid.New(),
		MessageType: messageType,
		Body:        body,
		Status:      StatusOutgoing,
		OwnerID:     AnyNode,
		Destination: destination,
		SentAt:      time.Now().UTC(),
	}
}

// IsExpired reports whether the envelope's delivery deadline has passed.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.DeliverBy != nil && e.DeliverBy.Before(now)
}
