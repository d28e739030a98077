package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veloqueue/durastore/internal/models"
	"github.com/veloqueue/durastore/internal/store"
)

// Interceptor wraps a unit of work with the outbox protocol:
//
//	BeforeCommit  scrape events, persist outgoing rows through the tx
//	(commit)      the transaction owner commits
//	AfterCommit   flush the committed envelopes to the sender
//	OnFailure     roll back an interceptor-owned tx, drop in-memory state
//
// Run drives the whole sequence for callers that let the interceptor own the
// transaction. Callers holding their own transaction mark the context with
// WithRuntimeTransaction and invoke the hooks around their own commit.
type Interceptor struct {
	outbox  store.Outbox
	sender  Sender
	ownerID int
}

// NewInterceptor creates an interceptor persisting through outbox, flushing
// through sender, and stamping new rows with ownerID.
func NewInterceptor(outbox store.Outbox, sender Sender, ownerID int) *Interceptor {
	return &Interceptor{outbox: outbox, sender: sender, ownerID: ownerID}
}

// BeforeCommit materializes pending events from the unit of work's tracked
// entities and the BusContext, persists them as outgoing rows through the
// unit of work's transaction, and returns a context carrying the flush state.
// If no transaction is open and the context is not flagged as running inside
// a runtime transaction, the interceptor opens one and owns it.
func (i *Interceptor) BeforeCommit(ctx context.Context, uow UnitOfWork) (context.Context, error) {
	envs := ScrapeEvents(uow.TrackedEntities())
	if bus := BusFrom(ctx); bus != nil {
		envs = append(envs, bus.drain()...)
	}

	st := &commitState{envelopes: envs}
	ctx = withState(ctx, st)
	if len(envs) == 0 {
		return ctx, nil
	}

	tx := uow.Tx()
	if tx == nil {
		if HasRuntimeTransaction(ctx) {
			return ctx, fmt.Errorf("context flags a runtime transaction but the unit of work has none open")
		}
		opened, err := uow.Begin()
		if err != nil {
			return ctx, fmt.Errorf("outbox interceptor begin failed: %w", err)
		}
		tx = opened
		st.ownedTx = opened
	}

	for _, env := range envs {
		if err := i.outbox.StoreOutgoingTx(tx, env, i.ownerID); err != nil {
			return ctx, err
		}
	}
	slog.Debug("Interceptor.BeforeCommit persisted envelopes", "count", len(envs), "ownsTx", st.ownedTx != nil)
	return ctx, nil
}

// AfterCommit flushes the envelopes persisted by BeforeCommit to the sender
// and deletes the confirmed rows. A send failure is logged and swallowed:
// the rows stay in the outbox for the recovery agent.
func (i *Interceptor) AfterCommit(ctx context.Context) error {
	st := stateFrom(ctx)
	if st == nil || len(st.envelopes) == 0 {
		return nil
	}
	envs := st.envelopes
	st.envelopes = nil

	if i.sender == nil {
		return nil
	}
	if err := i.sender.Send(envs); err != nil {
		slog.Warn("Interceptor.AfterCommit send failed, leaving envelopes for recovery", "error", err, "count", len(envs))
		return nil
	}
	if err := i.outbox.DeleteManyOutgoing(envs); err != nil {
		return err
	}
	slog.Debug("Interceptor.AfterCommit flushed envelopes", "count", len(envs))
	return nil
}

// OnFailure rolls back an interceptor-owned transaction and discards the
// in-memory state. An inherited transaction is the caller's to roll back;
// either way the rollback takes the outbox rows with it.
func (i *Interceptor) OnFailure(ctx context.Context) {
	st := stateFrom(ctx)
	if st == nil {
		return
	}
	if st.ownedTx != nil {
		if err := st.ownedTx.Rollback(); err != nil {
			slog.Error("Interceptor.OnFailure rollback failed", "error", err)
		}
		st.ownedTx = nil
	}
	st.envelopes = nil
}

// Run executes work inside the unit of work, then drives the full hook
// sequence. The interceptor owns the transaction: it is opened by
// BeforeCommit if the work did not open one, committed here, and rolled back
// on any failure.
func (i *Interceptor) Run(ctx context.Context, uow UnitOfWork, work func(ctx context.Context) error) error {
	ctx, _ = WithBus(ctx)

	if err := work(ctx); err != nil {
		i.OnFailure(ctx)
		return err
	}

	ctx, err := i.BeforeCommit(ctx, uow)
	if err != nil {
		i.OnFailure(ctx)
		return err
	}

	st := stateFrom(ctx)
	if st.ownedTx != nil {
		tx := st.ownedTx
		st.ownedTx = nil
		if err := tx.Commit(); err != nil {
			i.OnFailure(ctx)
			return fmt.Errorf("outbox interceptor commit failed: %w", err)
		}
	} else if tx := uow.Tx(); tx != nil && !HasRuntimeTransaction(ctx) {
		// The work opened the transaction itself; commit it so the flush
		// below only ever sees durable rows.
		if err := tx.Commit(); err != nil {
			i.OnFailure(ctx)
			return fmt.Errorf("outbox interceptor commit failed: %w", err)
		}
	}

	return i.AfterCommit(ctx)
}

// Pending returns the envelopes awaiting flush on ctx, for inspection.
func Pending(ctx context.Context) []*models.Envelope {
	st := stateFrom(ctx)
	if st == nil {
		return nil
	}
	return st.envelopes
}
