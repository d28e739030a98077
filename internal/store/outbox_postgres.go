package store

import (
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/veloqueue/durastore/internal/models"
)

const insertOutgoingPostgres = `
	INSERT INTO outgoing_messages (id, owner_id, destination, deliver_by, attempts, body, message_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *PostgresStore) StoreOutgoing(env *models.Envelope, ownerID int) error {
	return s.StoreOutgoingTx(s.db, env, ownerID)
}

// StoreOutgoingTx inserts an outgoing row through the caller's transaction so
// the outbox write commits or rolls back with the caller's own changes.
func (s *PostgresStore) StoreOutgoingTx(tx Execer, env *models.Envelope, ownerID int) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = tx.Exec(insertOutgoingPostgres,
		env.ID.String(), ownerID, env.Destination, timeOrNil(env.DeliverBy),
		env.Attempts, body, env.MessageType)
	if err != nil {
		if isDuplicateKeyViolation(err) {
			return &DuplicateEnvelopeError{ID: env.ID, Destination: env.Destination, Err: err}
		}
		slog.Error("PostgresStore.StoreOutgoing failed", "error", err, "id", env.ID)
		return fmt.Errorf("store outgoing envelope %s failed: %w", env.ID, err)
	}
	slog.Debug("PostgresStore.StoreOutgoing succeeded", "id", env.ID, "destination", env.Destination, "ownerID", ownerID)
	return nil
}

func (s *PostgresStore) LoadOutgoing(destination string) ([]*models.Envelope, error) {
	rows, err := s.db.Query(`
		SELECT `+outgoingColumns+` FROM outgoing_messages WHERE destination = $1`,
		destination)
	if err != nil {
		slog.Error("PostgresStore.LoadOutgoing query failed", "error", err, "destination", destination)
		return nil, fmt.Errorf("load outgoing for %s failed: %w", destination, err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanOutgoing(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load outgoing rows failed: %w", err)
	}
	return envs, nil
}

func (s *PostgresStore) DeleteOutgoing(env *models.Envelope) error {
	_, err := s.db.Exec(`DELETE FROM outgoing_messages WHERE id = $1`, env.ID.String())
	if err != nil {
		slog.Error("PostgresStore.DeleteOutgoing failed", "error", err, "id", env.ID)
		return fmt.Errorf("delete outgoing %s failed: %w", env.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteManyOutgoing(envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM outgoing_messages WHERE id = ANY($1)`,
		pq.Array(envelopeIDs(envs)))
	if err != nil {
		slog.Error("PostgresStore.DeleteManyOutgoing failed", "error", err, "count", len(envs))
		return fmt.Errorf("delete many outgoing failed: %w", err)
	}
	slog.Debug("PostgresStore.DeleteManyOutgoing succeeded", "count", len(envs))
	return nil
}

// DiscardAndReassignOutgoing drops expired envelopes and transfers the rest
// to nodeNumber in one transaction. A crash mid-recovery can never leave a
// message both discarded and reassigned.
func (s *PostgresStore) DiscardAndReassignOutgoing(discards, reassigned []*models.Envelope, nodeNumber int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("discard and reassign outgoing begin failed: %w", err)
	}
	if len(discards) > 0 {
		if _, err := tx.Exec(`DELETE FROM outgoing_messages WHERE id = ANY($1)`,
			pq.Array(envelopeIDs(discards))); err != nil {
			tx.Rollback()
			return fmt.Errorf("discard outgoing failed: %w", err)
		}
	}
	if len(reassigned) > 0 {
		if _, err := tx.Exec(`UPDATE outgoing_messages SET owner_id = $1 WHERE id = ANY($2)`,
			nodeNumber, pq.Array(envelopeIDs(reassigned))); err != nil {
			tx.Rollback()
			return fmt.Errorf("reassign outgoing to node %d failed: %w", nodeNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("discard and reassign outgoing commit failed: %w", err)
	}
	for _, env := range reassigned {
		env.OwnerID = nodeNumber
	}
	slog.Debug("PostgresStore.DiscardAndReassignOutgoing succeeded",
		"discarded", len(discards), "reassigned", len(reassigned), "nodeNumber", nodeNumber)
	return nil
}

func (s *PostgresStore) UnownedOutgoingDestinations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT destination FROM outgoing_messages WHERE owner_id = 0`)
	if err != nil {
		return nil, fmt.Errorf("list unowned outgoing destinations failed: %w", err)
	}
	defer rows.Close()

	var destinations []string
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, fmt.Errorf("scan unowned outgoing destination failed: %w", err)
		}
		destinations = append(destinations, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unowned outgoing destinations rows failed: %w", err)
	}
	return destinations, nil
}
