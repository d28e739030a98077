package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veloqueue/durastore/internal/lock"
	"github.com/veloqueue/durastore/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements the full store contract.
var _ MessageStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db   *sql.DB
	cfg  Opts
	lock lock.DistributedLock
}

// NewSQLiteStore creates an SQLite message store. The DSN is a file path;
// missing parent directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids database-locked
	// errors under concurrent use.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	s := &SQLiteStore{db: db, cfg: cfg}
	s.lock = cfg.Lock
	if s.lock == nil {
		if cfg.UseDatabaseLock {
			s.lock = lock.NewDatabaseLock(db, lock.DialectSQLite, cfg.NodeID, cfg.ServiceName)
		} else {
			s.lock = lock.NewNopLock()
		}
	}
	return s, nil
}

// DB exposes the underlying pool for transaction enlistment.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close releases lock state and closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.lock.Close(); err != nil {
		slog.Error("SQLiteStore.Close lock close failed", "error", err)
	}
	return s.db.Close()
}

// Leadership delegation.

func (s *SQLiteStore) HasLeadershipLock() bool {
	return s.lock.HasLock(s.cfg.LeadershipLockID)
}

func (s *SQLiteStore) TryAttainLeadershipLock() (bool, error) {
	return s.lock.TryAttainLock(s.cfg.LeadershipLockID)
}

func (s *SQLiteStore) ReleaseLeadershipLock() error {
	return s.lock.ReleaseLock(s.cfg.LeadershipLockID)
}

// Admin operations.

func (s *SQLiteStore) ClearAll() error {
	for _, table := range []string{"incoming_messages", "outgoing_messages", "dead_letter_messages"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return adminErr("clear-all", err)
		}
	}
	slog.Debug("SQLiteStore.ClearAll succeeded")
	return nil
}

func (s *SQLiteStore) Rebuild() error {
	if _, err := s.db.Exec(dropAllTables); err != nil {
		return adminErr("rebuild", err)
	}
	if _, err := s.db.Exec(sqliteMigrations); err != nil {
		return adminErr("rebuild", err)
	}
	slog.Debug("SQLiteStore.Rebuild succeeded")
	return nil
}

func (s *SQLiteStore) FetchCounts() (models.PersistedCounts, error) {
	var counts models.PersistedCounts

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM incoming_messages GROUP BY status`)
	if err != nil {
		return counts, adminErr("fetch-counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, adminErr("fetch-counts", err)
		}
		switch models.EnvelopeStatus(status) {
		case models.StatusIncoming:
			counts.Incoming = n
		case models.StatusScheduled:
			counts.Scheduled = n
		case models.StatusHandled:
			counts.Handled = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, adminErr("fetch-counts", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outgoing_messages`).Scan(&counts.Outgoing); err != nil {
		return counts, adminErr("fetch-counts", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letter_messages`).Scan(&counts.DeadLetter); err != nil {
		return counts, adminErr("fetch-counts", err)
	}
	return counts, nil
}

func (s *SQLiteStore) AllIncoming() ([]*models.Envelope, error) {
	rows, err := s.db.Query(`SELECT ` + incomingColumns + ` FROM incoming_messages`)
	if err != nil {
		return nil, adminErr("all-incoming", err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanIncoming(rows)
		if err != nil {
			return nil, adminErr("all-incoming", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, adminErr("all-incoming", err)
	}
	return envs, nil
}

func (s *SQLiteStore) AllOutgoing() ([]*models.Envelope, error) {
	rows, err := s.db.Query(`SELECT ` + outgoingColumns + ` FROM outgoing_messages`)
	if err != nil {
		return nil, adminErr("all-outgoing", err)
	}
	defer rows.Close()

	var envs []*models.Envelope
	for rows.Next() {
		env, err := scanOutgoing(rows)
		if err != nil {
			return nil, adminErr("all-outgoing", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, adminErr("all-outgoing", err)
	}
	return envs, nil
}

func (s *SQLiteStore) ReleaseAllOwnership() error {
	if _, err := s.db.Exec(`UPDATE incoming_messages SET owner_id = 0 WHERE owner_id != 0`); err != nil {
		return adminErr("release-all-ownership", err)
	}
	if _, err := s.db.Exec(`UPDATE outgoing_messages SET owner_id = 0 WHERE owner_id != 0`); err != nil {
		return adminErr("release-all-ownership", err)
	}
	slog.Debug("SQLiteStore.ReleaseAllOwnership succeeded")
	return nil
}

func (s *SQLiteStore) ReleaseOwnership(ownerID int) error {
	if _, err := s.db.Exec(`UPDATE incoming_messages SET owner_id = 0 WHERE owner_id = ?`, ownerID); err != nil {
		return adminErr("release-ownership", err)
	}
	if _, err := s.db.Exec(`UPDATE outgoing_messages SET owner_id = 0 WHERE owner_id = ?`, ownerID); err != nil {
		return adminErr("release-ownership", err)
	}
	slog.Debug("SQLiteStore.ReleaseOwnership succeeded", "ownerID", ownerID)
	return nil
}

func (s *SQLiteStore) CheckConnectivity() error {
	return adminErr("check-connectivity", s.db.Ping())
}

func (s *SQLiteStore) Migrate() error {
	_, err := s.db.Exec(sqliteMigrations)
	return adminErr("migrate", err)
}
