package recovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/veloqueue/durastore/internal/models"
)

// ListenerCircuit is the hand-off point for recovered incoming envelopes at
// one receive address. A circuit that is not accepting (stopped, or latched
// after repeated failures) is skipped by recovery so messages stay unowned
// for another node or a later pass.
type ListenerCircuit interface {
	// Address is the receive address this circuit listens on.
	Address() string

	// Accepting reports whether the circuit will take new envelopes.
	Accepting() bool

	// EnqueueRecovered hands recovered envelopes to the listener for
	// processing. Ownership has already been transferred to this node.
	EnqueueRecovered(envs []*models.Envelope) error
}

// ListenerRegistry tracks the listener circuits running on this node, keyed
// by receive address.
type ListenerRegistry struct {
	mu       sync.RWMutex
	circuits map[string]ListenerCircuit
}

// NewListenerRegistry creates an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{circuits: make(map[string]ListenerCircuit)}
}

// Register adds or replaces the circuit for its address.
func (r *ListenerRegistry) Register(circuit ListenerCircuit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[circuit.Address()] = circuit
	slog.Debug("ListenerRegistry.Register", "address", circuit.Address())
}

// Deregister removes the circuit for an address.
func (r *ListenerRegistry) Deregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, address)
}

// Circuit returns the circuit for an address, or nil.
func (r *ListenerRegistry) Circuit(address string) ListenerCircuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuits[address]
}

// ChannelCircuit is a buffered in-process ListenerCircuit. The host drains
// Recovered and processes the envelopes.
type ChannelCircuit struct {
	address string
	ch      chan *models.Envelope

	mu      sync.Mutex
	latched bool
}

// NewChannelCircuit creates a circuit with the given buffer capacity.
func NewChannelCircuit(address string, capacity int) *ChannelCircuit {
	return &ChannelCircuit{
		address: address,
		ch:      make(chan *models.Envelope, capacity),
	}
}

func (c *ChannelCircuit) Address() string { return c.address }

func (c *ChannelCircuit) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.latched
}

// Latch stops the circuit from accepting recovered envelopes.
func (c *ChannelCircuit) Latch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latched = true
}

// Resume reopens a latched circuit.
func (c *ChannelCircuit) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latched = false
}

// EnqueueRecovered buffers the envelopes. A full buffer is an error so the
// caller leaves the remainder for a later recovery pass.
func (c *ChannelCircuit) EnqueueRecovered(envs []*models.Envelope) error {
	if !c.Accepting() {
		return fmt.Errorf("circuit %s is latched", c.address)
	}
	for i, env := range envs {
		select {
		case c.ch <- env:
		default:
			return fmt.Errorf("circuit %s buffer full after %d of %d envelopes", c.address, i, len(envs))
		}
	}
	return nil
}

// Recovered exposes the buffered envelope channel.
func (c *ChannelCircuit) Recovered() <-chan *models.Envelope { return c.ch }
