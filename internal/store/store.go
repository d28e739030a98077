// Package store persists message envelopes and cluster state in a
// relational database.
//
// One store implements the Inbox, Outbox, DeadLetters, NodeAgents, and
// Admin operation groups over a single connection pool.
// PostgresStore is the production backend; SQLiteStore serves single-node
// deployments and tests.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/lock"
	"github.com/veloqueue/durastore/internal/models"
)

// Durability defaults.
const (
	// DefaultHandledRetention is how long a handled incoming row is kept
	// before becoming eligible for purge.
	DefaultHandledRetention = 5 * time.Minute
	// DefaultDeadLetterTTL is the expiration applied to dead-letter rows
	// whose envelope carries no explicit delivery deadline.
	DefaultDeadLetterTTL = 10 * 24 * time.Hour
	// DefaultLeadershipLockID keys the leadership election lock. Change it
	// to keep applications sharing one database from contending.
	DefaultLeadershipLockID = 12000
)

// Inbox persists received envelopes for idempotent, ownership-tracked
// processing and crash recovery.
type Inbox interface {
	// StoreIncoming inserts one incoming row. A uniqueness violation on
	// (id, destination) returns a *DuplicateEnvelopeError.
	StoreIncoming(env *models.Envelope) error

	// StoreManyIncoming inserts a batch. On a duplicate failure the caller
	// falls back to StoreIncoming per envelope to isolate the duplicates.
	StoreManyIncoming(envs []*models.Envelope) error

	// ScheduleExecution moves the envelope to scheduled status with its
	// execution time set and ownership released.
	ScheduleExecution(env *models.Envelope) error

	// MarkHandled flips the row to handled and stamps the retain-until time.
	MarkHandled(env *models.Envelope) error
	MarkManyHandled(envs []*models.Envelope) error

	// IncrementIncomingAttempts persists the envelope's attempt counter.
	IncrementIncomingAttempts(env *models.Envelope) error

	// MoveToDeadLetter atomically deletes the incoming row and inserts the
	// dead-letter row in one transaction.
	MoveToDeadLetter(env *models.Envelope, cause error) error

	// ReleaseIncoming clears ownership of every row owned by ownerID at the
	// given receive address.
	ReleaseIncoming(ownerID int, receivedAt string) error

	// RescheduleForRetry re-inserts the envelope as scheduled and unowned.
	RescheduleForRetry(env *models.Envelope) error

	// LoadPageOfUnownedIncoming loads up to limit unowned incoming
	// envelopes for one receive address, rehydrated from their payloads.
	LoadPageOfUnownedIncoming(receivedAt string, limit int) ([]*models.Envelope, error)

	// ReassignIncoming transfers ownership of the given envelopes.
	ReassignIncoming(ownerID int, envs []*models.Envelope) error

	// UnownedIncomingAddresses lists distinct receive addresses that have
	// orphaned incoming rows.
	UnownedIncomingAddresses() ([]string, error)

	// PromoteScheduled flips due scheduled rows to incoming owned by
	// ownerID in one batch update and returns the rehydrated envelopes.
	PromoteScheduled(ownerID int, now time.Time, limit int) ([]*models.Envelope, error)
}

// Outbox persists produced envelopes until the transport confirms delivery.
type Outbox interface {
	StoreOutgoing(env *models.Envelope, ownerID int) error

	// StoreOutgoingTx enlists the insert in a caller-owned transaction so
	// the outbox row commits or rolls back with the caller's writes.
	StoreOutgoingTx(tx Execer, env *models.Envelope, ownerID int) error

	// LoadOutgoing returns all outgoing envelopes for a destination.
	LoadOutgoing(destination string) ([]*models.Envelope, error)

	// DeleteOutgoing removes a sent envelope by id.
	DeleteOutgoing(env *models.Envelope) error
	DeleteManyOutgoing(envs []*models.Envelope) error

	// DiscardAndReassignOutgoing deletes the discard set and re-owns the
	// reassign set in one transaction, so a crash mid-recovery can never
	// leave a message both discarded and reassigned.
	DiscardAndReassignOutgoing(discards, reassigned []*models.Envelope, nodeNumber int) error

	// UnownedOutgoingDestinations lists distinct destinations that have
	// orphaned outgoing rows.
	UnownedOutgoingDestinations() ([]string, error)
}

// DeadLetters exposes the dead-letter query and bulk-operation surface.
// Bulk operations run as set-based statements, never row-by-row loops.
type DeadLetters interface {
	DeadLetterByID(id uuid.UUID) (*models.DeadLetterEnvelope, error)
	QueryDeadLetters(q models.DeadLetterQuery) (*models.DeadLetterResults, error)
	SummarizeDeadLetters(serviceName string, from, to *time.Time) ([]models.DeadLetterSummary, error)
	DiscardDeadLetters(q models.DeadLetterQuery) (int, error)
	MarkDeadLettersReplayable(q models.DeadLetterQuery) (int, error)
}

// NodeAgents persists cluster membership, agent assignment, and leadership.
type NodeAgents interface {
	// PersistNode upserts by node id. A first insert allocates the next
	// node number and returns it.
	PersistNode(node *models.Node) (int, error)
	DeleteNode(nodeID uuid.UUID) error
	LoadAllNodes() ([]*models.Node, error)
	LoadNode(nodeID uuid.UUID) (*models.Node, error)

	// AssignAgents replaces the full assignment set for a node.
	AssignAgents(nodeID uuid.UUID, agents []string) error
	AddAssignment(nodeID uuid.UUID, agentURI string) error
	RemoveAssignment(nodeID uuid.UUID, agentURI string) error

	// PersistAgentRestrictions replaces the full restriction set.
	PersistAgentRestrictions(restrictions []models.AgentRestriction) error

	MarkHealthCheck(node *models.Node) error
	OverwriteHealthCheckTime(nodeID uuid.UUID, at time.Time) error

	LogRecords(records ...models.NodeRecord) error
	FetchRecentRecords(count int) ([]models.NodeRecord, error)
	ClearAllNodes() error

	HasLeadershipLock() bool
	TryAttainLeadershipLock() (bool, error)
	ReleaseLeadershipLock() error
}

// Admin exposes administrative operations. Underlying failures are wrapped
// in a single descriptive *AdminError.
type Admin interface {
	ClearAll() error
	Rebuild() error
	FetchCounts() (models.PersistedCounts, error)
	AllIncoming() ([]*models.Envelope, error)
	AllOutgoing() ([]*models.Envelope, error)
	ReleaseAllOwnership() error
	ReleaseOwnership(ownerID int) error
	CheckConnectivity() error
	Migrate() error
}

// MessageStore is the full persistence contract offered to the host runtime.
type MessageStore interface {
	Inbox
	Outbox
	DeadLetters
	NodeAgents
	Admin
	Close() error
}

// Opts holds store configuration applied through Option values.
type Opts struct {
	DSN               string
	HandledRetention  time.Duration
	DeadLetterTTL     time.Duration
	LeadershipLockID  int
	Lock              lock.DistributedLock
	UseDatabaseLock   bool
	NodeID            uuid.UUID
	ServiceName       string
	PostgresDriverPgx bool
}

// Option configures a store constructor.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPgxDriver opens PostgreSQL through the pgx stdlib driver instead of pq.
func WithPgxDriver() Option {
	return func(o *Opts) { o.PostgresDriverPgx = true }
}

// WithHandledRetention sets how long handled rows are retained.
func WithHandledRetention(d time.Duration) Option {
	return func(o *Opts) { o.HandledRetention = d }
}

// WithDeadLetterTTL sets the default dead-letter expiration window.
func WithDeadLetterTTL(d time.Duration) Option {
	return func(o *Opts) { o.DeadLetterTTL = d }
}

// WithLeadershipLockID overrides the leadership lock key.
func WithLeadershipLockID(id int) Option {
	return func(o *Opts) { o.LeadershipLockID = id }
}

// WithLock plugs in a custom distributed lock implementation.
func WithLock(l lock.DistributedLock) Option {
	return func(o *Opts) { o.Lock = l }
}

// WithDatabaseLock enables the database-row lease lock over the store's own
// connection pool, identified by this node.
func WithDatabaseLock(nodeID uuid.UUID, serviceName string) Option {
	return func(o *Opts) {
		o.UseDatabaseLock = true
		o.NodeID = nodeID
		o.ServiceName = serviceName
	}
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		HandledRetention: DefaultHandledRetention,
		DeadLetterTTL:    DefaultDeadLetterTTL,
		LeadershipLockID: DefaultLeadershipLockID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
