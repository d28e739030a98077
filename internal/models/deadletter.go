package models

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEnvelope is an envelope moved out of normal processing after
// exhausting its attempts or erroring, retained for inspection and replay.
type DeadLetterEnvelope struct {
	ID               uuid.UUID
	Envelope         *Envelope
	ExecutionTime    *time.Time
	MessageType      string
	ReceivedAt       string
	Source           string
	ExceptionType    string
	ExceptionMessage string
	SentAt           time.Time
	Replayable       bool
	ExpiresAt        *time.Time
}

// DeadLetterQuery filters the dead-letter table. A non-empty MessageIDs set
// takes precedence over every other filter.
type DeadLetterQuery struct {
	MessageIDs       []uuid.UUID
	From             *time.Time
	To               *time.Time
	MessageType      string
	ExceptionType    string
	ExceptionMessage string
	ReceivedAt       string
	PageNumber       int
	PageSize         int
}

// DeadLetterResults is one page of dead-letter envelopes plus the total
// match count, ordered by execution time ascending.
type DeadLetterResults struct {
	TotalCount int
	PageNumber int
	Envelopes  []*DeadLetterEnvelope
}

// DeadLetterSummary is an aggregate count grouped by receive address,
// message type, and exception type.
type DeadLetterSummary struct {
	ServiceName   string
	ReceivedAt    string
	MessageType   string
	ExceptionType string
	Count         int
}

// PersistedCounts reports row counts across the message tables.
type PersistedCounts struct {
	Incoming   int
	Scheduled  int
	Handled    int
	Outgoing   int
	DeadLetter int
}
