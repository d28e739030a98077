package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/veloqueue/durastore/internal/models"
)

const insertIncomingPostgres = `
	INSERT INTO incoming_messages (id, status, owner_id, execution_time, attempts, body, message_type, received_at, keep_until)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (s *PostgresStore) StoreIncoming(env *models.Envelope) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(insertIncomingPostgres,
		env.ID.String(), string(env.Status), env.OwnerID, timeOrNil(env.ScheduledTime),
		env.Attempts, body, env.MessageType, env.Destination, timeOrNil(env.KeepUntil))
	if err != nil {
		if isDuplicateKeyViolation(err) {
			return &DuplicateEnvelopeError{ID: env.ID, Destination: env.Destination, Err: err}
		}
		slog.Error("PostgresStore.StoreIncoming failed", "error", err, "id", env.ID)
		return fmt.Errorf("store incoming envelope %s failed: %w", env.ID, err)
	}
	slog.Debug("PostgresStore.StoreIncoming succeeded", "id", env.ID, "receivedAt", env.Destination)
	return nil
}

func (s *PostgresStore) StoreManyIncoming(envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store many incoming begin failed: %w", err)
	}
	for _, env := range envs {
		body, err := models.EncodeEnvelope(env)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(insertIncomingPostgres,
			env.ID.String(), string(env.Status), env.OwnerID, timeOrNil(env.ScheduledTime),
			env.Attempts, body, env.MessageType, env.Destination, timeOrNil(env.KeepUntil)); err != nil {
			tx.Rollback()
			if isDuplicateKeyViolation(err) {
				return &DuplicateEnvelopeError{ID: env.ID, Destination: env.Destination, Err: err}
			}
			return fmt.Errorf("store many incoming insert %s failed: %w", env.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store many incoming commit failed: %w", err)
	}
	slog.Debug("PostgresStore.StoreManyIncoming succeeded", "count", len(envs))
	return nil
}

func (s *PostgresStore) ScheduleExecution(env *models.Envelope) error {
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = $1, execution_time = $2, owner_id = 0, attempts = $3
		WHERE id = $4 AND received_at = $5`,
		string(models.StatusScheduled), timeOrNil(env.ScheduledTime), env.Attempts,
		env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("PostgresStore.ScheduleExecution failed", "error", err, "id", env.ID)
		return fmt.Errorf("schedule execution of %s failed: %w", env.ID, err)
	}
	return nil
}

func (s *PostgresStore) MarkHandled(env *models.Envelope) error {
	keepUntil := time.Now().UTC().Add(s.cfg.HandledRetention)
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = $1, owner_id = 0, keep_until = $2
		WHERE id = $3 AND received_at = $4`,
		string(models.StatusHandled), keepUntil, env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("PostgresStore.MarkHandled failed", "error", err, "id", env.ID)
		return fmt.Errorf("mark handled %s failed: %w", env.ID, err)
	}
	return nil
}

func (s *PostgresStore) MarkManyHandled(envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	keepUntil := time.Now().UTC().Add(s.cfg.HandledRetention)
	args := append([]any{string(models.StatusHandled), keepUntil}, envelopePairArgs(envs)...)
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = $1, owner_id = 0, keep_until = $2
		WHERE (id, received_at) IN (`+postgresPairPlaceholders(len(envs), 3)+`)`, args...)
	if err != nil {
		slog.Error("PostgresStore.MarkManyHandled failed", "error", err, "count", len(envs))
		return fmt.Errorf("mark many handled failed: %w", err)
	}
	slog.Debug("PostgresStore.MarkManyHandled succeeded", "count", len(envs))
	return nil
}

func (s *PostgresStore) IncrementIncomingAttempts(env *models.Envelope) error {
	_, err := s.db.Exec(`
		UPDATE incoming_messages SET attempts = $1 WHERE id = $2 AND received_at = $3`,
		env.Attempts, env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("PostgresStore.IncrementIncomingAttempts failed", "error", err, "id", env.ID)
		return fmt.Errorf("increment attempts of %s failed: %w", env.ID, err)
	}
	return nil
}

// MoveToDeadLetter removes the incoming row and writes the dead-letter row in
// one transaction, so a crash can never lose the message or duplicate it.
func (s *PostgresStore) MoveToDeadLetter(env *models.Envelope, cause error) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	expiresAt := env.DeliverBy
	if expiresAt == nil {
		t := time.Now().UTC().Add(s.cfg.DeadLetterTTL)
		expiresAt = &t
	}
	excType, excMessage := classifyCause(cause)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("move to dead letter begin failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM incoming_messages WHERE id = $1 AND received_at = $2`,
		env.ID.String(), env.Destination); err != nil {
		tx.Rollback()
		return fmt.Errorf("move to dead letter delete %s failed: %w", env.ID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO dead_letter_messages (id, execution_time, body, message_type, received_at, source, exception_type, exception_message, sent_at, replayable, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		env.ID.String(), timeOrNil(env.ScheduledTime), body, env.MessageType,
		nilIfEmpty(env.Destination), nilIfEmpty(env.Source), excType, excMessage,
		env.SentAt.UTC(), false, timeOrNil(expiresAt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("move to dead letter insert %s failed: %w", env.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move to dead letter commit failed: %w", err)
	}
	slog.Debug("PostgresStore.MoveToDeadLetter succeeded", "id", env.ID, "exceptionType", excType)
	return nil
}

func (s *PostgresStore) ReleaseIncoming(ownerID int, receivedAt string) error {
	result, err := s.db.Exec(`
		UPDATE incoming_messages SET owner_id = 0 WHERE owner_id = $1 AND received_at = $2`,
		ownerID, receivedAt)
	if err != nil {
		slog.Error("PostgresStore.ReleaseIncoming failed", "error", err, "ownerID", ownerID)
		return fmt.Errorf("release incoming for owner %d failed: %w", ownerID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Debug("PostgresStore.ReleaseIncoming released rows", "ownerID", ownerID, "receivedAt", receivedAt, "count", n)
	}
	return nil
}

// RescheduleForRetry writes the envelope back as scheduled and unowned,
// inserting the row if a recovery path already deleted it.
func (s *PostgresStore) RescheduleForRetry(env *models.Envelope) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO incoming_messages (id, status, owner_id, execution_time, attempts, body, message_type, received_at, keep_until)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, NULL)
		ON CONFLICT (id, received_at) DO UPDATE SET
			status = EXCLUDED.status,
			owner_id = 0,
			execution_time = EXCLUDED.execution_time,
			attempts = EXCLUDED.attempts`,
		env.ID.String(), string(models.StatusScheduled), timeOrNil(env.ScheduledTime),
		env.Attempts, body, env.MessageType, env.Destination)
	if err != nil {
		slog.Error("PostgresStore.RescheduleForRetry failed", "error", err, "id", env.ID)
		return fmt.Errorf("reschedule %s for retry failed: %w", env.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadPageOfUnownedIncoming(receivedAt string, limit int) ([]*models.Envelope, error) {
	rows, err := s.db.Query(`
		SELECT `+incomingColumns+` FROM incoming_messages
		WHERE status = $1 AND owner_id = 0 AND received_at = $2
		LIMIT $3`,
		string(models.StatusIncoming), receivedAt, limit)
	if err != nil {
		slog.Error("PostgresStore.LoadPageOfUnownedIncoming query failed", "error", err, "receivedAt", receivedAt)
		return nil, fmt.Errorf("load unowned incoming for %s failed: %w", receivedAt, err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanIncoming(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load unowned incoming rows failed: %w", err)
	}
	return envs, nil
}

func (s *PostgresStore) ReassignIncoming(ownerID int, envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	args := append([]any{ownerID, string(models.StatusIncoming)}, envelopePairArgs(envs)...)
	_, err := s.db.Exec(`
		UPDATE incoming_messages SET owner_id = $1, status = $2
		WHERE (id, received_at) IN (`+postgresPairPlaceholders(len(envs), 3)+`)`, args...)
	if err != nil {
		slog.Error("PostgresStore.ReassignIncoming failed", "error", err, "ownerID", ownerID)
		return fmt.Errorf("reassign incoming to owner %d failed: %w", ownerID, err)
	}
	for _, env := range envs {
		env.OwnerID = ownerID
	}
	slog.Debug("PostgresStore.ReassignIncoming succeeded", "ownerID", ownerID, "count", len(envs))
	return nil
}

func (s *PostgresStore) UnownedIncomingAddresses() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT received_at FROM incoming_messages WHERE status = $1 AND owner_id = 0`,
		string(models.StatusIncoming))
	if err != nil {
		return nil, fmt.Errorf("list unowned incoming addresses failed: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan unowned incoming address failed: %w", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unowned incoming addresses rows failed: %w", err)
	}
	return addresses, nil
}

// PromoteScheduled claims due scheduled rows for ownerID in a single batch
// update and returns them rehydrated. SKIP LOCKED keeps concurrent promoters
// from claiming the same rows.
func (s *PostgresStore) PromoteScheduled(ownerID int, now time.Time, limit int) ([]*models.Envelope, error) {
	rows, err := s.db.Query(`
		UPDATE incoming_messages
		SET status = $1, owner_id = $2
		WHERE (id, received_at) IN (
			SELECT id, received_at FROM incoming_messages
			WHERE status = $3 AND execution_time <= $4
			ORDER BY execution_time
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING `+incomingColumns,
		string(models.StatusIncoming), ownerID, string(models.StatusScheduled), now.UTC(), limit)
	if err != nil {
		slog.Error("PostgresStore.PromoteScheduled failed", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("promote scheduled failed: %w", err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanIncoming(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("promote scheduled rows failed: %w", err)
	}
	if len(envs) > 0 {
		slog.Debug("PostgresStore.PromoteScheduled claimed envelopes", "ownerID", ownerID, "count", len(envs))
	}
	return envs, nil
}
