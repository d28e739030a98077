package outbox

import (
	"database/sql"
	"fmt"
	"sync"
)

// Compile-time check that SQLUnitOfWork implements UnitOfWork.
var _ UnitOfWork = (*SQLUnitOfWork)(nil)

// SQLUnitOfWork is a database/sql-backed unit of work. The host tracks the
// entities it mutates; the interceptor joins the open transaction or opens
// one through Begin.
type SQLUnitOfWork struct {
	db *sql.DB

	mu       sync.Mutex
	entities []any
	tx       *sql.Tx
}

// NewSQLUnitOfWork creates a unit of work over the given pool.
func NewSQLUnitOfWork(db *sql.DB) *SQLUnitOfWork {
	return &SQLUnitOfWork{db: db}
}

// Track registers entities mutated in this unit of work.
func (u *SQLUnitOfWork) Track(entities ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entities = append(u.entities, entities...)
}

func (u *SQLUnitOfWork) TrackedEntities() []any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]any(nil), u.entities...)
}

func (u *SQLUnitOfWork) Tx() Tx {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tx == nil {
		return nil
	}
	return &trackedTx{Tx: u.tx, owner: u}
}

// Begin opens the unit of work's transaction. Only one may be open at a time.
func (u *SQLUnitOfWork) Begin() (Tx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tx != nil {
		return nil, fmt.Errorf("unit of work already has an open transaction")
	}
	tx, err := u.db.Begin()
	if err != nil {
		return nil, err
	}
	u.tx = tx
	return &trackedTx{Tx: tx, owner: u}, nil
}

func (u *SQLUnitOfWork) clearTx(tx *sql.Tx) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.tx == tx {
		u.tx = nil
	}
}

// trackedTx detaches itself from the unit of work once finished so a new
// transaction can be opened.
type trackedTx struct {
	*sql.Tx
	owner *SQLUnitOfWork
}

func (t *trackedTx) Commit() error {
	err := t.Tx.Commit()
	t.owner.clearTx(t.Tx)
	return err
}

func (t *trackedTx) Rollback() error {
	err := t.Tx.Rollback()
	t.owner.clearTx(t.Tx)
	return err
}
