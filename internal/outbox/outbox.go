// Package outbox implements the transactional outbox interceptor: domain
// events raised during a unit of work are persisted as outgoing envelopes in
// the same transaction as the work's own writes, then flushed to the
// transport only after the transaction commits.
package outbox

import (
	"github.com/veloqueue/durastore/internal/models"
	"github.com/veloqueue/durastore/internal/store"
)

// Event is one pending domain event raised by an entity.
type Event struct {
	MessageType string
	Body        []byte
	Destination string
}

// EventSource is an entity that accumulates domain events while being
// mutated. The interceptor materializes the events into envelopes before
// anything is published.
type EventSource interface {
	PendingEvents() []Event
}

// EventClearer lets the interceptor clear an entity's events in place once
// they have been materialized, so a retried unit of work cannot raise them
// twice.
type EventClearer interface {
	ClearEvents()
}

// Sender delivers committed envelopes to the transport. A send failure is
// safe: the envelopes stay in the outbox for the recovery agent.
type Sender interface {
	Send(envs []*models.Envelope) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(envs []*models.Envelope) error

func (f SenderFunc) Send(envs []*models.Envelope) error { return f(envs) }

// Tx is a commitable transaction handle. *sql.Tx satisfies it.
type Tx interface {
	store.Execer
	Commit() error
	Rollback() error
}

// UnitOfWork is the transaction boundary the interceptor attaches to. It
// tracks the entities touched by the work and exposes the transaction the
// outbox rows must join.
type UnitOfWork interface {
	// TrackedEntities returns the entities mutated in this unit of work.
	TrackedEntities() []any

	// Tx returns the open transaction, or nil when none has been started.
	Tx() Tx

	// Begin opens a new transaction. The caller that opened it owns the
	// commit or rollback.
	Begin() (Tx, error)
}

// ScrapeEvents materializes every pending event on the tracked entities into
// outgoing envelopes, then clears the events in place. Materialization
// happens for all entities before any clearing, so a failure while scraping
// leaves every event still attached.
func ScrapeEvents(entities []any) []*models.Envelope {
	var envs []*models.Envelope
	var sources []EventClearer
	for _, entity := range entities {
		source, ok := entity.(EventSource)
		if !ok {
			continue
		}
		for _, event := range source.PendingEvents() {
			envs = append(envs, models.NewEnvelope(event.MessageType, event.Body, event.Destination))
		}
		if clearer, ok := entity.(EventClearer); ok {
			sources = append(sources, clearer)
		}
	}
	for _, source := range sources {
		source.ClearEvents()
	}
	return envs
}
