package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DuplicateEnvelopeError reports that an incoming insert collided with an
// existing (id, destination) row. Callers use it to split a failed batch
// and retry envelopes one at a time.
type DuplicateEnvelopeError struct {
	ID          uuid.UUID
	Destination string
	Err         error
}

func (e *DuplicateEnvelopeError) Error() string {
	return fmt.Sprintf("duplicate incoming envelope %s at %s", e.ID, e.Destination)
}

func (e *DuplicateEnvelopeError) Unwrap() error { return e.Err }

// IsDuplicateEnvelope reports whether err is a duplicate-envelope failure.
func IsDuplicateEnvelope(err error) bool {
	var dup *DuplicateEnvelopeError
	return errors.As(err, &dup)
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// isDuplicateKeyViolation classifies a database error as a unique-constraint
// violation across the driver error shapes we support: lib/pq, pgx, and
// go-sqlite3, with a message-text fallback for any other driver.
func isDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint &&
			(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique") ||
		strings.Contains(msg, "primary key")
}

// AdminError wraps a failure from an administrative operation.
type AdminError struct {
	Op  string
	Err error
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("message store admin operation %s failed: %v", e.Op, e.Err)
}

func (e *AdminError) Unwrap() error { return e.Err }

func adminErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AdminError{Op: op, Err: err}
}
