// Package recovery runs the per-node durability agent: background loops that
// rescue orphaned messages, promote due scheduled messages, and maintain this
// node's health check and leadership claim.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/veloqueue/durastore/internal/models"
	"github.com/veloqueue/durastore/internal/store"
)

// Agent loop defaults.
const (
	// DefaultDurabilityInterval is the base period of the message recovery loop.
	DefaultDurabilityInterval = 2 * time.Second
	// DefaultHealthInterval is the base period of the health and leadership loop.
	DefaultHealthInterval = 5 * time.Second
	// DefaultRecoveryBatchSize bounds how many envelopes one pass claims per
	// address, so one node cannot starve the others.
	DefaultRecoveryBatchSize = 100
)

// Config tunes the agent loops. Zero values fall back to the defaults.
type Config struct {
	DurabilityInterval time.Duration
	HealthInterval     time.Duration
	RecoveryBatchSize  int
}

func (c *Config) applyDefaults() {
	if c.DurabilityInterval <= 0 {
		c.DurabilityInterval = DefaultDurabilityInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = DefaultRecoveryBatchSize
	}
}

// Status is a snapshot of the agent's state.
type Status struct {
	Running    bool
	Leader     bool
	NodeNumber int
}

// Agent owns the two background loops of one cluster node. Both loops trap
// per-tick errors: a failed pass logs and waits for the next tick instead of
// killing the loop.
type Agent struct {
	store       store.MessageStore
	node        *models.Node
	serviceName string
	listeners   *ListenerRegistry
	cfg         Config

	mu      sync.Mutex
	running bool
	leader  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgent creates a durability agent for a registered node.
func NewAgent(s store.MessageStore, node *models.Node, serviceName string, listeners *ListenerRegistry, cfg Config) *Agent {
	cfg.applyDefaults()
	if listeners == nil {
		listeners = NewListenerRegistry()
	}
	return &Agent{
		store:       s,
		node:        node,
		serviceName: serviceName,
		listeners:   listeners,
		cfg:         cfg,
	}
}

// Listeners exposes the registry so hosts can add circuits after start.
func (a *Agent) Listeners() *ListenerRegistry { return a.listeners }

// Start launches the durability and health loops. It returns an error if the
// agent is already running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("durability agent already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(2)
	go a.loop(ctx, a.cfg.DurabilityInterval, a.durabilityTick)
	go a.loop(ctx, a.cfg.HealthInterval, a.healthTick)

	slog.Info("Agent.Start: durability agent started",
		"nodeNumber", a.node.NodeNumber,
		"durabilityInterval", a.cfg.DurabilityInterval,
		"healthInterval", a.cfg.HealthInterval)
	return nil
}

// Stop halts both loops and blocks until they exit.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	slog.Info("Agent.Stop: durability agent stopped", "nodeNumber", a.node.NodeNumber)
}

// Status reports whether the agent is running and holds leadership.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Running: a.running, Leader: a.leader, NodeNumber: a.node.NodeNumber}
}

// loop delays the first tick by a jittered offset, then runs tick on the
// fixed interval until the context is cancelled. The offset keeps a fleet
// restarted together from ticking in lockstep.
func (a *Agent) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer a.wg.Done()

	timer := time.NewTimer(jittered(interval))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// jittered spreads an interval to interval +/- 25%.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	quarter := d / 4
	return d - quarter + time.Duration(rand.Int63n(int64(2*quarter)))
}

// durabilityTick runs one recovery pass: orphaned incoming, orphaned
// outgoing, then due scheduled messages. Each stage is error-trapped on its
// own so one failing stage does not block the others.
func (a *Agent) durabilityTick(ctx context.Context) {
	if err := a.recoverIncoming(); err != nil {
		slog.Error("Agent.durabilityTick: incoming recovery failed", "error", err, "nodeNumber", a.node.NodeNumber)
	}
	if ctx.Err() != nil {
		return
	}
	if err := a.recoverOutgoing(); err != nil {
		slog.Error("Agent.durabilityTick: outgoing recovery failed", "error", err, "nodeNumber", a.node.NodeNumber)
	}
	if ctx.Err() != nil {
		return
	}
	if err := a.promoteScheduled(); err != nil {
		slog.Error("Agent.durabilityTick: scheduled promotion failed", "error", err, "nodeNumber", a.node.NodeNumber)
	}
}

// recoverIncoming claims orphaned incoming envelopes for every address with a
// circuit that will accept them. Addresses without an accepting circuit are
// left alone for another node.
func (a *Agent) recoverIncoming() error {
	addresses, err := a.store.UnownedIncomingAddresses()
	if err != nil {
		return err
	}
	for _, address := range addresses {
		circuit := a.listeners.Circuit(address)
		if circuit == nil || !circuit.Accepting() {
			slog.Debug("Agent.recoverIncoming: no accepting circuit", "address", address)
			continue
		}

		envs, err := a.store.LoadPageOfUnownedIncoming(address, a.cfg.RecoveryBatchSize)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			continue
		}
		if err := a.store.ReassignIncoming(a.node.NodeNumber, envs); err != nil {
			return err
		}
		if err := circuit.EnqueueRecovered(envs); err != nil {
			// Put the claim back so the messages stay recoverable.
			slog.Warn("Agent.recoverIncoming: enqueue failed, releasing claim", "error", err, "address", address)
			if relErr := a.store.ReleaseIncoming(a.node.NodeNumber, address); relErr != nil {
				return relErr
			}
			continue
		}
		slog.Info("Agent.recoverIncoming: recovered envelopes", "address", address, "count", len(envs))
	}
	return nil
}

// recoverOutgoing takes over orphaned outgoing envelopes, discarding the ones
// already past their delivery deadline in the same transaction.
func (a *Agent) recoverOutgoing() error {
	destinations, err := a.store.UnownedOutgoingDestinations()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, destination := range destinations {
		envs, err := a.store.LoadOutgoing(destination)
		if err != nil {
			return err
		}

		var discards, reassigned []*models.Envelope
		for _, env := range envs {
			if env.OwnerID != models.AnyNode {
				continue
			}
			if env.IsExpired(now) {
				discards = append(discards, env)
			} else {
				reassigned = append(reassigned, env)
			}
		}
		if len(discards) == 0 && len(reassigned) == 0 {
			continue
		}
		if err := a.store.DiscardAndReassignOutgoing(discards, reassigned, a.node.NodeNumber); err != nil {
			return err
		}
		slog.Info("Agent.recoverOutgoing: recovered envelopes",
			"destination", destination, "reassigned", len(reassigned), "discarded", len(discards))
	}
	return nil
}

// promoteScheduled claims due scheduled envelopes and hands them to their
// listener circuits grouped by address.
func (a *Agent) promoteScheduled() error {
	envs, err := a.store.PromoteScheduled(a.node.NodeNumber, time.Now().UTC(), a.cfg.RecoveryBatchSize)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		return nil
	}

	byAddress := make(map[string][]*models.Envelope)
	for _, env := range envs {
		byAddress[env.Destination] = append(byAddress[env.Destination], env)
	}
	for address, group := range byAddress {
		circuit := a.listeners.Circuit(address)
		if circuit == nil || !circuit.Accepting() {
			// Claimed but nowhere to run: release so another node can.
			slog.Warn("Agent.promoteScheduled: no accepting circuit, releasing claim", "address", address, "count", len(group))
			if err := a.store.ReleaseIncoming(a.node.NodeNumber, address); err != nil {
				return err
			}
			continue
		}
		if err := circuit.EnqueueRecovered(group); err != nil {
			slog.Warn("Agent.promoteScheduled: enqueue failed, releasing claim", "error", err, "address", address)
			if relErr := a.store.ReleaseIncoming(a.node.NodeNumber, address); relErr != nil {
				return relErr
			}
			continue
		}
		slog.Debug("Agent.promoteScheduled: promoted envelopes", "address", address, "count", len(group))
	}
	return nil
}

// healthTick stamps this node's health check and renews or attempts the
// leadership claim, logging a node record on each transition.
func (a *Agent) healthTick(ctx context.Context) {
	if err := a.store.OverwriteHealthCheckTime(a.node.ID, time.Now().UTC()); err != nil {
		slog.Error("Agent.healthTick: health check update failed", "error", err, "nodeNumber", a.node.NodeNumber)
	}
	if ctx.Err() != nil {
		return
	}

	attained, err := a.store.TryAttainLeadershipLock()
	if err != nil {
		slog.Error("Agent.healthTick: leadership claim failed", "error", err, "nodeNumber", a.node.NodeNumber)
		return
	}

	a.mu.Lock()
	was := a.leader
	a.leader = attained
	a.mu.Unlock()

	if attained == was {
		return
	}
	recordType := models.RecordLeadershipAssumed
	if !attained {
		recordType = models.RecordLeadershipReleased
	}
	slog.Info("Agent.healthTick: leadership changed", "nodeNumber", a.node.NodeNumber, "leader", attained)
	record := models.NewNodeRecord(a.node.NodeNumber, recordType, a.serviceName, "")
	if err := a.store.LogRecords(record); err != nil {
		slog.Error("Agent.healthTick: leadership record failed", "error", err, "nodeNumber", a.node.NodeNumber)
	}
}
