package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

// Execer is the subset of *sql.DB and *sql.Tx the enlisted outbox write
// path needs, letting callers couple an outgoing insert to their own
// transaction.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

const incomingColumns = "id, status, owner_id, execution_time, attempts, body, message_type, received_at, keep_until"

// scanIncoming rehydrates an envelope from an incoming row: the payload is
// decoded, then the indexed metadata columns are reapplied over it.
func scanIncoming(rows *sql.Rows) (*models.Envelope, error) {
	var (
		id, status, messageType string
		ownerID, attempts       int
		executionTime           sql.NullTime
		keepUntil               sql.NullTime
		body                    []byte
		receivedAt              sql.NullString
	)
	if err := rows.Scan(&id, &status, &ownerID, &executionTime, &attempts, &body, &messageType, &receivedAt, &keepUntil); err != nil {
		return nil, fmt.Errorf("scan incoming row failed: %w", err)
	}

	env, err := models.DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	envID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse incoming id %q failed: %w", id, err)
	}
	env.ID = envID
	env.Status = models.EnvelopeStatus(status)
	env.OwnerID = ownerID
	env.ScheduledTime = nullableTime(executionTime)
	env.Attempts = attempts
	env.MessageType = messageType
	env.Destination = receivedAt.String
	env.KeepUntil = nullableTime(keepUntil)
	return env, nil
}

const outgoingColumns = "id, owner_id, destination, deliver_by, attempts, body, message_type"

func scanOutgoing(rows *sql.Rows) (*models.Envelope, error) {
	var (
		id, destination, messageType string
		ownerID, attempts            int
		deliverBy                    sql.NullTime
		body                         []byte
	)
	if err := rows.Scan(&id, &ownerID, &destination, &deliverBy, &attempts, &body, &messageType); err != nil {
		return nil, fmt.Errorf("scan outgoing row failed: %w", err)
	}

	env, err := models.DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	envID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse outgoing id %q failed: %w", id, err)
	}
	env.ID = envID
	env.Status = models.StatusOutgoing
	env.OwnerID = ownerID
	env.Destination = destination
	env.DeliverBy = nullableTime(deliverBy)
	env.Attempts = attempts
	env.MessageType = messageType
	return env, nil
}

const deadLetterColumns = "id, execution_time, body, message_type, received_at, source, exception_type, exception_message, sent_at, replayable, expires_at"

func scanDeadLetter(rows *sql.Rows) (*models.DeadLetterEnvelope, error) {
	var (
		id, messageType                           string
		receivedAt, source, excType, excMessage   sql.NullString
		executionTime, expiresAt                  sql.NullTime
		sentAt                                    time.Time
		replayable                                bool
		body                                      []byte
	)
	if err := rows.Scan(&id, &executionTime, &body, &messageType, &receivedAt, &source, &excType, &excMessage, &sentAt, &replayable, &expiresAt); err != nil {
		return nil, fmt.Errorf("scan dead letter row failed: %w", err)
	}

	env, err := models.DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	dlID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse dead letter id %q failed: %w", id, err)
	}
	env.ID = dlID
	return &models.DeadLetterEnvelope{
		ID:               dlID,
		Envelope:         env,
		ExecutionTime:    nullableTime(executionTime),
		MessageType:      messageType,
		ReceivedAt:       receivedAt.String,
		Source:           source.String,
		ExceptionType:    excType.String,
		ExceptionMessage: excMessage.String,
		SentAt:           sentAt,
		Replayable:       replayable,
		ExpiresAt:        nullableTime(expiresAt),
	}, nil
}

const nodeColumns = "id, node_number, description, uri, started_at, health_check, version, capabilities"

func scanNode(rows *sql.Rows) (*models.Node, error) {
	var (
		id, description, version  string
		uri, capabilities         sql.NullString
		nodeNumber                int
		startedAt, healthCheck    time.Time
	)
	if err := rows.Scan(&id, &nodeNumber, &description, &uri, &startedAt, &healthCheck, &version, &capabilities); err != nil {
		return nil, fmt.Errorf("scan node row failed: %w", err)
	}
	nodeID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q failed: %w", id, err)
	}
	node := &models.Node{
		ID:              nodeID,
		NodeNumber:      nodeNumber,
		Description:     description,
		ControlURI:      uri.String,
		Version:         version,
		Started:         startedAt,
		LastHealthCheck: healthCheck,
	}
	if capabilities.String != "" {
		node.Capabilities = strings.Split(capabilities.String, ",")
	}
	return node, nil
}

// classifyCause derives the dead-letter exception columns from an error.
func classifyCause(cause error) (excType, excMessage string) {
	if cause == nil {
		return "", ""
	}
	return fmt.Sprintf("%T", cause), cause.Error()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// envelopeIDs collects envelope ids as strings for IN / ANY parameters.
func envelopeIDs(envs []*models.Envelope) []string {
	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		ids = append(ids, env.ID.String())
	}
	return ids
}

// envelopePairArgs flattens the (id, received_at) composite keys for batch
// updates, so a same-id row at another address is never touched.
func envelopePairArgs(envs []*models.Envelope) []any {
	args := make([]any, 0, 2*len(envs))
	for _, env := range envs {
		args = append(args, env.ID.String(), env.Destination)
	}
	return args
}

// sqlitePairPlaceholders returns "(?, ?), (?, ?), ..." with n pairs.
func sqlitePairPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("(?, ?), ", n), ", ")
}

// postgresPairPlaceholders returns "($3, $4), ($5, $6), ..." numbering n
// pairs from start.
func postgresPairPlaceholders(n, start int) string {
	pairs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, fmt.Sprintf("($%d, $%d)", start+2*i, start+2*i+1))
	}
	return strings.Join(pairs, ", ")
}

// sqlitePlaceholders returns "?, ?, ..." with n markers.
func sqlitePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// toAnySlice widens a string slice for variadic query arguments.
func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
