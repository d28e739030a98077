package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/veloqueue/durastore/internal/lock"
	"github.com/veloqueue/durastore/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements the full store contract.
var _ MessageStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db   *sql.DB
	cfg  Opts
	lock lock.DistributedLock
}

// NewPostgresStore creates a PostgreSQL message store from the provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	driver := "postgres"
	if cfg.PostgresDriverPgx {
		driver = "pgx"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")

	s := &PostgresStore{db: db, cfg: cfg}
	s.lock = cfg.Lock
	if s.lock == nil {
		if cfg.UseDatabaseLock {
			s.lock = lock.NewDatabaseLock(db, lock.DialectPostgres, cfg.NodeID, cfg.ServiceName)
		} else {
			s.lock = lock.NewNopLock()
		}
	}
	return s, nil
}

// DB exposes the underlying pool for transaction enlistment.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the leadership lock if held and closes the pool.
func (s *PostgresStore) Close() error {
	if err := s.lock.Close(); err != nil {
		slog.Error("PostgresStore.Close lock close failed", "error", err)
	}
	return s.db.Close()
}

// Leadership delegation.

func (s *PostgresStore) HasLeadershipLock() bool {
	return s.lock.HasLock(s.cfg.LeadershipLockID)
}

func (s *PostgresStore) TryAttainLeadershipLock() (bool, error) {
	return s.lock.TryAttainLock(s.cfg.LeadershipLockID)
}

func (s *PostgresStore) ReleaseLeadershipLock() error {
	return s.lock.ReleaseLock(s.cfg.LeadershipLockID)
}

// Admin operations.

func (s *PostgresStore) ClearAll() error {
	for _, table := range []string{"incoming_messages", "outgoing_messages", "dead_letter_messages"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return adminErr("clear-all", err)
		}
	}
	slog.Debug("PostgresStore.ClearAll succeeded")
	return nil
}

const dropAllTables = `
	DROP TABLE IF EXISTS node_assignments;
	DROP TABLE IF EXISTS agent_restrictions;
	DROP TABLE IF EXISTS node_records;
	DROP TABLE IF EXISTS leadership_lock;
	DROP TABLE IF EXISTS nodes;
	DROP TABLE IF EXISTS incoming_messages;
	DROP TABLE IF EXISTS outgoing_messages;
	DROP TABLE IF EXISTS dead_letter_messages;`

func (s *PostgresStore) Rebuild() error {
	if _, err := s.db.Exec(dropAllTables); err != nil {
		return adminErr("rebuild", err)
	}
	if _, err := s.db.Exec(postgresMigrations); err != nil {
		return adminErr("rebuild", err)
	}
	slog.Debug("PostgresStore.Rebuild succeeded")
	return nil
}

func (s *PostgresStore) FetchCounts() (models.PersistedCounts, error) {
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

func (s *PostgresStore) AllIncoming() ([]*models.Envelope, error) {
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

func (s *PostgresStore) AllOutgoing() ([]*models.Envelope, error) {
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

func (s *PostgresStore) ReleaseAllOwnership() error {
	if _, err := s.db.Exec(`UPDATE incoming_messages SET owner_id = 0 WHERE owner_id != 0`); err != nil {
		return adminErr("release-all-ownership", err)
	}
	if _, err := s.db.Exec(`UPDATE outgoing_messages SET owner_id = 0 WHERE owner_id != 0`); err != nil {
		return adminErr("release-all-ownership", err)
	}
	slog.Debug("PostgresStore.ReleaseAllOwnership succeeded")
	return nil
}

func (s *PostgresStore) ReleaseOwnership(ownerID int) error {
	if _, err := s.db.Exec(`UPDATE incoming_messages SET owner_id = 0 WHERE owner_id = $1`, ownerID); err != nil {
		return adminErr("release-ownership", err)
	}
	if _, err := s.db.Exec(`UPDATE outgoing_messages SET owner_id = 0 WHERE owner_id = $1`, ownerID); err != nil {
		return adminErr("release-ownership", err)
	}
	slog.Debug("PostgresStore.ReleaseOwnership succeeded", "ownerID", ownerID)
	return nil
}

func (s *PostgresStore) CheckConnectivity() error {
	return adminErr("check-connectivity", s.db.Ping())
}

func (s *PostgresStore) Migrate() error {
	_, err := s.db.Exec(postgresMigrations)
	return adminErr("migrate", err)
}
