package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

func (s *PostgresStore) DeadLetterByID(id uuid.UUID) (*models.DeadLetterEnvelope, error) {
	rows, err := s.db.Query(`
		SELECT `+deadLetterColumns+` FROM dead_letter_messages WHERE id = $1`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s failed: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load dead letter %s failed: %w", id, err)
		}
		return nil, nil
	}
	return scanDeadLetter(rows)
}

func (s *PostgresStore) QueryDeadLetters(q models.DeadLetterQuery) (*models.DeadLetterResults, error) {
	where := buildDeadLetterWhere(dialectPostgres, q)

	results := &models.DeadLetterResults{PageNumber: q.PageNumber}
	if results.PageNumber < 1 {
		results.PageNumber = 1
	}

	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letter_messages`+where.sql(), where.args...).
		Scan(&results.TotalCount)
	if err != nil {
		slog.Error("PostgresStore.QueryDeadLetters count failed", "error", err)
		return nil, fmt.Errorf("count dead letters failed: %w", err)
	}

	limit, offset := pageBounds(q)
	query := fmt.Sprintf(`SELECT %s FROM dead_letter_messages%s ORDER BY execution_time LIMIT %d OFFSET %d`,
		deadLetterColumns, where.sql(), limit, offset)
	rows, err := s.db.Query(query, where.args...)
	if err != nil {
		slog.Error("PostgresStore.QueryDeadLetters query failed", "error", err)
		return nil, fmt.Errorf("query dead letters failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		results.Envelopes = append(results.Envelopes, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query dead letters rows failed: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) SummarizeDeadLetters(serviceName string, from, to *time.Time) ([]models.DeadLetterSummary, error) {
	where := summaryWhere(dialectPostgres, from, to)
	rows, err := s.db.Query(`
		SELECT COALESCE(received_at, ''), message_type, COALESCE(exception_type, ''), COUNT(*)
		FROM dead_letter_messages`+where.sql()+`
		GROUP BY received_at, message_type, exception_type
		ORDER BY COUNT(*) DESC`, where.args...)
	if err != nil {
		slog.Error("PostgresStore.SummarizeDeadLetters failed", "error", err)
		return nil, fmt.Errorf("summarize dead letters failed: %w", err)
	}
	defer rows.Close()

	var summaries []models.DeadLetterSummary
	for rows.Next() {
		summary := models.DeadLetterSummary{ServiceName: serviceName}
		if err := rows.Scan(&summary.ReceivedAt, &summary.MessageType, &summary.ExceptionType, &summary.Count); err != nil {
			return nil, fmt.Errorf("scan dead letter summary failed: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize dead letters rows failed: %w", err)
	}
	return summaries, nil
}

func (s *PostgresStore) DiscardDeadLetters(q models.DeadLetterQuery) (int, error) {
	where := buildDeadLetterWhere(dialectPostgres, q)
	result, err := s.db.Exec(`DELETE FROM dead_letter_messages`+where.sql(), where.args...)
	if err != nil {
		slog.Error("PostgresStore.DiscardDeadLetters failed", "error", err)
		return 0, fmt.Errorf("discard dead letters failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("discard dead letters rows affected failed: %w", err)
	}
	slog.Debug("PostgresStore.DiscardDeadLetters succeeded", "count", n)
	return int(n), nil
}

func (s *PostgresStore) MarkDeadLettersReplayable(q models.DeadLetterQuery) (int, error) {
	where := buildDeadLetterWhere(dialectPostgres, q)
	result, err := s.db.Exec(`UPDATE dead_letter_messages SET replayable = TRUE`+where.sql(), where.args...)
	if err != nil {
		slog.Error("PostgresStore.MarkDeadLettersReplayable failed", "error", err)
		return 0, fmt.Errorf("mark dead letters replayable failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark dead letters replayable rows affected failed: %w", err)
	}
	slog.Debug("PostgresStore.MarkDeadLettersReplayable succeeded", "count", n)
	return int(n), nil
}
