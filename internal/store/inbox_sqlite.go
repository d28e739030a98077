package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/veloqueue/durastore/internal/models"
)

const insertIncomingSQLite = `
	INSERT INTO incoming_messages (id, status, owner_id, execution_time, attempts, body, message_type, received_at, keep_until)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) StoreIncoming(env *models.Envelope) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(insertIncomingSQLite,
		env.ID.String(), string(env.Status), env.OwnerID, timeOrNil(env.ScheduledTime),
		env.Attempts, body, env.MessageType, env.Destination, timeOrNil(env.KeepUntil))
	if err != nil {
		if isDuplicateKeyViolation(err) {
			return &DuplicateEnvelopeError{ID: env.ID, Destination: env.Destination, Err: err}
		}
		slog.Error("SQLiteStore.StoreIncoming failed", "error", err, "id", env.ID)
		return fmt.Errorf("store incoming envelope %s failed: %w", env.ID, err)
	}
	slog.Debug("SQLiteStore.StoreIncoming succeeded", "id", env.ID, "receivedAt", env.Destination)
	return nil
}

func (s *SQLiteStore) StoreManyIncoming(envs []*models.Envelope) error {
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
		if _, err := tx.Exec(insertIncomingSQLite,
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
	slog.Debug("SQLiteStore.StoreManyIncoming succeeded", "count", len(envs))
	return nil
}

func (s *SQLiteStore) ScheduleExecution(env *models.Envelope) error {
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = ?, execution_time = ?, owner_id = 0, attempts = ?
		WHERE id = ? AND received_at = ?`,
		string(models.StatusScheduled), timeOrNil(env.ScheduledTime), env.Attempts,
		env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("SQLiteStore.ScheduleExecution failed", "error", err, "id", env.ID)
		return fmt.Errorf("schedule execution of %s failed: %w", env.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkHandled(env *models.Envelope) error {
	keepUntil := time.Now().UTC().Add(s.cfg.HandledRetention)
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = ?, owner_id = 0, keep_until = ?
		WHERE id = ? AND received_at = ?`,
		string(models.StatusHandled), keepUntil, env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("SQLiteStore.MarkHandled failed", "error", err, "id", env.ID)
		return fmt.Errorf("mark handled %s failed: %w", env.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkManyHandled(envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	keepUntil := time.Now().UTC().Add(s.cfg.HandledRetention)
	args := append([]any{string(models.StatusHandled), keepUntil}, envelopePairArgs(envs)...)
	_, err := s.db.Exec(`
		UPDATE incoming_messages
		SET status = ?, owner_id = 0, keep_until = ?
		WHERE (id, received_at) IN (VALUES `+sqlitePairPlaceholders(len(envs))+`)`, args...)
	if err != nil {
		slog.Error("SQLiteStore.MarkManyHandled failed", "error", err, "count", len(envs))
		return fmt.Errorf("mark many handled failed: %w", err)
	}
	slog.Debug("SQLiteStore.MarkManyHandled succeeded", "count", len(envs))
	return nil
}

func (s *SQLiteStore) IncrementIncomingAttempts(env *models.Envelope) error {
	_, err := s.db.Exec(`
		UPDATE incoming_messages SET attempts = ? WHERE id = ? AND received_at = ?`,
		env.Attempts, env.ID.String(), env.Destination)
	if err != nil {
		slog.Error("SQLiteStore.IncrementIncomingAttempts failed", "error", err, "id", env.ID)
		return fmt.Errorf("increment attempts of %s failed: %w", env.ID, err)
	}
	return nil
}

// MoveToDeadLetter removes the incoming row and writes the dead-letter row in
// one transaction, so a crash can never lose the message or duplicate it.
func (s *SQLiteStore) MoveToDeadLetter(env *models.Envelope, cause error) error {
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
	if _, err := tx.Exec(`DELETE FROM incoming_messages WHERE id = ? AND received_at = ?`,
		env.ID.String(), env.Destination); err != nil {
		tx.Rollback()
		return fmt.Errorf("move to dead letter delete %s failed: %w", env.ID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO dead_letter_messages (id, execution_time, body, message_type, received_at, source, exception_type, exception_message, sent_at, replayable, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID.String(), timeOrNil(env.ScheduledTime), body, env.MessageType,
		nilIfEmpty(env.Destination), nilIfEmpty(env.Source), excType, excMessage,
		env.SentAt.UTC(), false, timeOrNil(expiresAt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("move to dead letter insert %s failed: %w", env.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move to dead letter commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.MoveToDeadLetter succeeded", "id", env.ID, "exceptionType", excType)
	return nil
}

func (s *SQLiteStore) ReleaseIncoming(ownerID int, receivedAt string) error {
	result, err := s.db.Exec(`
		UPDATE incoming_messages SET owner_id = 0 WHERE owner_id = ? AND received_at = ?`,
		ownerID, receivedAt)
	if err != nil {
		slog.Error("SQLiteStore.ReleaseIncoming failed", "error", err, "ownerID", ownerID)
		return fmt.Errorf("release incoming for owner %d failed: %w", ownerID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Debug("SQLiteStore.ReleaseIncoming released rows", "ownerID", ownerID, "receivedAt", receivedAt, "count", n)
	}
	return nil
}

// RescheduleForRetry writes the envelope back as scheduled and unowned,
// inserting the row if a recovery path already deleted it.
func (s *SQLiteStore) RescheduleForRetry(env *models.Envelope) error {
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO incoming_messages (id, status, owner_id, execution_time, attempts, body, message_type, received_at, keep_until)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (id, received_at) DO UPDATE SET
			status = excluded.status,
			owner_id = 0,
			execution_time = excluded.execution_time,
			attempts = excluded.attempts`,
		env.ID.String(), string(models.StatusScheduled), timeOrNil(env.ScheduledTime),
		env.Attempts, body, env.MessageType, env.Destination)
	if err != nil {
		slog.Error("SQLiteStore.RescheduleForRetry failed", "error", err, "id", env.ID)
		return fmt.Errorf("reschedule %s for retry failed: %w", env.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadPageOfUnownedIncoming(receivedAt string, limit int) ([]*models.Envelope, error) {
	rows, err := s.db.Query(`
		SELECT `+incomingColumns+` FROM incoming_messages
		WHERE status = ? AND owner_id = 0 AND received_at = ?
		LIMIT ?`,
		string(models.StatusIncoming), receivedAt, limit)
	if err != nil {
		slog.Error("SQLiteStore.LoadPageOfUnownedIncoming query failed", "error", err, "receivedAt", receivedAt)
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

func (s *SQLiteStore) ReassignIncoming(ownerID int, envs []*models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	args := append([]any{ownerID, string(models.StatusIncoming)}, envelopePairArgs(envs)...)
	_, err := s.db.Exec(`
		UPDATE incoming_messages SET owner_id = ?, status = ?
		WHERE (id, received_at) IN (VALUES `+sqlitePairPlaceholders(len(envs))+`)`, args...)
	if err != nil {
		slog.Error("SQLiteStore.ReassignIncoming failed", "error", err, "ownerID", ownerID)
		return fmt.Errorf("reassign incoming to owner %d failed: %w", ownerID, err)
	}
	for _, env := range envs {
		env.OwnerID = ownerID
	}
	slog.Debug("SQLiteStore.ReassignIncoming succeeded", "ownerID", ownerID, "count", len(envs))
	return nil
}

func (s *SQLiteStore) UnownedIncomingAddresses() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT received_at FROM incoming_messages WHERE status = ? AND owner_id = 0`,
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

// PromoteScheduled claims due scheduled rows inside a transaction: the single
// writer connection makes select-then-update race free.
func (s *SQLiteStore) PromoteScheduled(ownerID int, now time.Time, limit int) ([]*models.Envelope, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("promote scheduled begin failed: %w", err)
	}

	rows, err := tx.Query(`
		SELECT `+incomingColumns+` FROM incoming_messages
		WHERE status = ? AND execution_time <= ?
		ORDER BY execution_time
		LIMIT ?`,
		string(models.StatusScheduled), now.UTC(), limit)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("promote scheduled select failed: %w", err)
	}

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanIncoming(rows)
		if err != nil {
			rows.Close()
			tx.Rollback()
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, fmt.Errorf("promote scheduled rows failed: %w", err)
	}
	rows.Close()

	if len(envs) == 0 {
		tx.Rollback()
		return nil, nil
	}

	args := append([]any{string(models.StatusIncoming), ownerID}, envelopePairArgs(envs)...)
	if _, err := tx.Exec(`
		UPDATE incoming_messages SET status = ?, owner_id = ?
		WHERE (id, received_at) IN (VALUES `+sqlitePairPlaceholders(len(envs))+`)`, args...); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("promote scheduled update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("promote scheduled commit failed: %w", err)
	}

	for _, env := range envs {
		env.Status = models.StatusIncoming
		env.OwnerID = ownerID
	}
	slog.Debug("SQLiteStore.PromoteScheduled claimed envelopes", "ownerID", ownerID, "count", len(envs))
	return envs, nil
}
