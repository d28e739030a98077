package lock

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the SQL placeholder style for a DatabaseLock.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DefaultLeaseDuration is how long a successful claim holds the lock before
// it must be renewed.
const DefaultLeaseDuration = 5 * time.Minute

// Compile-time check that DatabaseLock implements DistributedLock.
var _ DistributedLock = (*DatabaseLock)(nil)

// DatabaseLock is a database-row lease lock. Ownership is established only
// by a single atomic conditional statement: insert a fresh row, or update
// the existing row when it is already held by this node or its lease has
// expired. Two nodes can never both observe "no holder" and both win.
type DatabaseLock struct {
	db          *sql.DB
	dialect     Dialect
	nodeID      uuid.UUID
	serviceName string
	lease       time.Duration

	mu   sync.Mutex
	held map[int]bool
}

// NewDatabaseLock creates a row-based lock over an existing connection pool.
// The leadership_lock table must exist (the message store migrations create it).
func NewDatabaseLock(db *sql.DB, dialect Dialect, nodeID uuid.UUID, serviceName string) *DatabaseLock {
	return &DatabaseLock{
		db:          db,
		dialect:     dialect,
		nodeID:      nodeID,
		serviceName: serviceName,
		lease:       DefaultLeaseDuration,
		held:        make(map[int]bool),
	}
}

// HasLock returns the cached local claim state. Lease expiry observed by
// another node does not flip this until our own next claim loses.
func (l *DatabaseLock) HasLock(lockID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[lockID]
}

const attainPostgres = `
	INSERT INTO leadership_lock (lock_id, node_id, service_name, acquired_at, expires_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (lock_id) DO UPDATE SET
		node_id = EXCLUDED.node_id,
		service_name = EXCLUDED.service_name,
		acquired_at = EXCLUDED.acquired_at,
		expires_at = EXCLUDED.expires_at
	WHERE leadership_lock.expires_at < EXCLUDED.acquired_at
	   OR leadership_lock.node_id = EXCLUDED.node_id`

const attainSQLite = `
	INSERT INTO leadership_lock (lock_id, node_id, service_name, acquired_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (lock_id) DO UPDATE SET
		node_id = excluded.node_id,
		service_name = excluded.service_name,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at
	WHERE leadership_lock.expires_at < excluded.acquired_at
	   OR leadership_lock.node_id = excluded.node_id`

// TryAttainLock performs the atomic conditional claim. A renewal by the
// current holder extends the lease from now.
func (l *DatabaseLock) TryAttainLock(lockID int) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(l.lease)

	query := attainPostgres
	if l.dialect == DialectSQLite {
		query = attainSQLite
	}

	result, err := l.db.Exec(query, lockID, l.nodeID.String(), l.serviceName, now, expires)
	if err != nil {
		return false, fmt.Errorf("attain lock %d failed: %w", lockID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attain lock %d rows affected check failed: %w", lockID, err)
	}

	attained := n > 0
	l.mu.Lock()
	l.held[lockID] = attained
	l.mu.Unlock()

	slog.Debug("DatabaseLock.TryAttainLock", "lockID", lockID, "nodeID", l.nodeID, "attained", attained)
	return attained, nil
}

// ReleaseLock deletes the lock row only if this node still owns it. The
// cached state is cleared regardless: the lease may have expired and been
// taken by another node, which is not an error.
func (l *DatabaseLock) ReleaseLock(lockID int) error {
	l.mu.Lock()
	delete(l.held, lockID)
	l.mu.Unlock()

	query := `DELETE FROM leadership_lock WHERE lock_id = $1 AND node_id = $2`
	if l.dialect == DialectSQLite {
		query = `DELETE FROM leadership_lock WHERE lock_id = ? AND node_id = ?`
	}
	if _, err := l.db.Exec(query, lockID, l.nodeID.String()); err != nil {
		return fmt.Errorf("release lock %d failed: %w", lockID, err)
	}
	slog.Debug("DatabaseLock.ReleaseLock", "lockID", lockID, "nodeID", l.nodeID)
	return nil
}

// Close clears cached state. The connection pool is owned by the store.
func (l *DatabaseLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[int]bool)
	return nil
}
