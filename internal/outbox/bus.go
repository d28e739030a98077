package outbox

import (
	"context"
	"sync"

	"github.com/veloqueue/durastore/internal/models"
)

type ctxKey int

const (
	busKey ctxKey = iota
	stateKey
	runtimeTxKey
)

// BusContext collects envelopes published imperatively during a unit of work.
// They are persisted by the interceptor alongside the scraped entity events
// and flushed only after the transaction commits.
type BusContext struct {
	mu      sync.Mutex
	pending []*models.Envelope
}

// WithBus attaches a fresh BusContext to the context and returns both.
func WithBus(ctx context.Context) (context.Context, *BusContext) {
	bus := &BusContext{}
	return context.WithValue(ctx, busKey, bus), bus
}

// BusFrom returns the BusContext carried by ctx, or nil.
func BusFrom(ctx context.Context) *BusContext {
	bus, _ := ctx.Value(busKey).(*BusContext)
	return bus
}

// Publish enqueues a message for delivery after commit.
func (b *BusContext) Publish(messageType string, body []byte, destination string) *models.Envelope {
	env := models.NewEnvelope(messageType, body, destination)
	b.mu.Lock()
	b.pending = append(b.pending, env)
	b.mu.Unlock()
	return env
}

// drain removes and returns all pending envelopes.
func (b *BusContext) drain() []*models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}

// WithRuntimeTransaction marks ctx as running inside a transaction owned by
// the host runtime. The interceptor will neither open nor commit a
// transaction on such a context.
func WithRuntimeTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, runtimeTxKey, true)
}

// HasRuntimeTransaction reports whether ctx carries the runtime transaction
// flag.
func HasRuntimeTransaction(ctx context.Context) bool {
	flagged, _ := ctx.Value(runtimeTxKey).(bool)
	return flagged
}

// commitState is the per-unit-of-work interceptor state scoped to the
// context between BeforeCommit and AfterCommit.
type commitState struct {
	envelopes []*models.Envelope
	ownedTx   Tx
}

func withState(ctx context.Context, st *commitState) context.Context {
	return context.WithValue(ctx, stateKey, st)
}

func stateFrom(ctx context.Context) *commitState {
	st, _ := ctx.Value(stateKey).(*commitState)
	return st
}
