package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
	"github.com/veloqueue/durastore/internal/store"
)

func newAgentTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_agent_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	opts = append([]store.Option{store.WithSQLiteDSN(filepath.Join(tempDir, "test.db"))}, opts...)
	s, err := store.NewSQLiteStore(opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerTestNode(t *testing.T, s *store.SQLiteStore) *models.Node {
	t.Helper()
	now := time.Now().UTC()
	node := &models.Node{
		ID:              uuid.New(),
		Description:     "worker",
		Version:         "dev",
		Started:         now,
		LastHealthCheck: now,
	}
	if _, err := s.PersistNode(node); err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}
	return node
}

func newTestAgent(t *testing.T, s *store.SQLiteStore) (*Agent, *models.Node) {
	t.Helper()
	node := registerTestNode(t, s)
	return NewAgent(s, node, "checkout", nil, Config{}), node
}

func storeUnownedIncoming(t *testing.T, s *store.SQLiteStore, address string, n int) []*models.Envelope {
	t.Helper()
	var envs []*models.Envelope
	for i := 0; i < n; i++ {
		env := models.NewEnvelope("orders.placed", []byte(`{}`), address)
		env.Status = models.StatusIncoming
		if err := s.StoreIncoming(env); err != nil {
			t.Fatalf("StoreIncoming failed: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func drainCircuit(c *ChannelCircuit) []*models.Envelope {
	var envs []*models.Envelope
	for {
		select {
		case env := <-c.Recovered():
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func TestRecoverIncoming(t *testing.T) {
	s := newAgentTestStore(t)
	agent, node := newTestAgent(t, s)

	circuit := NewChannelCircuit("local://one", 10)
	agent.Listeners().Register(circuit)
	storeUnownedIncoming(t, s, "local://one", 3)

	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("recoverIncoming failed: %v", err)
	}

	recovered := drainCircuit(circuit)
	if len(recovered) != 3 {
		t.Fatalf("expected 3 recovered envelopes, got %d", len(recovered))
	}
	for _, env := range recovered {
		if env.OwnerID != node.NodeNumber {
			t.Errorf("envelope %s not claimed: owner=%d", env.ID, env.OwnerID)
		}
	}

	// A second pass finds nothing left to claim.
	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("second recoverIncoming failed: %v", err)
	}
	if again := drainCircuit(circuit); len(again) != 0 {
		t.Errorf("second pass must recover nothing, got %d", len(again))
	}
}

func TestRecoverIncoming_SkipsAddressWithoutCircuit(t *testing.T) {
	s := newAgentTestStore(t)
	agent, _ := newTestAgent(t, s)

	storeUnownedIncoming(t, s, "local://one", 2)

	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("recoverIncoming failed: %v", err)
	}

	addresses, err := s.UnownedIncomingAddresses()
	if err != nil {
		t.Fatalf("UnownedIncomingAddresses failed: %v", err)
	}
	if len(addresses) != 1 {
		t.Errorf("messages must stay unowned without a circuit: %v", addresses)
	}
}

func TestRecoverIncoming_SkipsLatchedCircuit(t *testing.T) {
	s := newAgentTestStore(t)
	agent, _ := newTestAgent(t, s)

	circuit := NewChannelCircuit("local://one", 10)
	circuit.Latch()
	agent.Listeners().Register(circuit)
	storeUnownedIncoming(t, s, "local://one", 2)

	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("recoverIncoming failed: %v", err)
	}
	if got := drainCircuit(circuit); len(got) != 0 {
		t.Fatalf("latched circuit must receive nothing, got %d", len(got))
	}

	circuit.Resume()
	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("recoverIncoming after resume failed: %v", err)
	}
	if got := drainCircuit(circuit); len(got) != 2 {
		t.Errorf("expected 2 recovered after resume, got %d", len(got))
	}
}

func TestRecoverIncoming_EnqueueFailureReleasesClaim(t *testing.T) {
	s := newAgentTestStore(t)
	agent, _ := newTestAgent(t, s)

	// Zero capacity: accepting, but every enqueue fails.
	circuit := NewChannelCircuit("local://one", 0)
	agent.Listeners().Register(circuit)
	storeUnownedIncoming(t, s, "local://one", 2)

	if err := agent.recoverIncoming(); err != nil {
		t.Fatalf("recoverIncoming failed: %v", err)
	}

	incoming, err := s.AllIncoming()
	if err != nil {
		t.Fatalf("AllIncoming failed: %v", err)
	}
	for _, env := range incoming {
		if env.OwnerID != models.AnyNode {
			t.Errorf("claim not released after enqueue failure: %+v", env)
		}
	}
}

func TestRecoverOutgoing(t *testing.T) {
	s := newAgentTestStore(t)
	agent, node := newTestAgent(t, s)

	expired := models.NewEnvelope("orders.shipped", []byte(`{}`), "remote://b")
	past := time.Now().UTC().Add(-time.Minute)
	expired.DeliverBy = &past
	live := models.NewEnvelope("orders.shipped", []byte(`{}`), "remote://b")
	for _, env := range []*models.Envelope{expired, live} {
		if err := s.StoreOutgoing(env, models.AnyNode); err != nil {
			t.Fatalf("StoreOutgoing failed: %v", err)
		}
	}
	owned := models.NewEnvelope("orders.shipped", []byte(`{}`), "remote://owned")
	if err := s.StoreOutgoing(owned, 99); err != nil {
		t.Fatalf("StoreOutgoing owned failed: %v", err)
	}

	if err := agent.recoverOutgoing(); err != nil {
		t.Fatalf("recoverOutgoing failed: %v", err)
	}

	outgoing, err := s.AllOutgoing()
	if err != nil {
		t.Fatalf("AllOutgoing failed: %v", err)
	}
	owners := make(map[uuid.UUID]int, len(outgoing))
	for _, env := range outgoing {
		owners[env.ID] = env.OwnerID
	}
	if _, found := owners[expired.ID]; found {
		t.Error("expired envelope should have been discarded")
	}
	if owners[live.ID] != node.NodeNumber {
		t.Errorf("live envelope not reassigned: owner=%d", owners[live.ID])
	}
	if owners[owned.ID] != 99 {
		t.Errorf("already-owned envelope must be untouched: owner=%d", owners[owned.ID])
	}
}

func TestPromoteScheduled(t *testing.T) {
	s := newAgentTestStore(t)
	agent, node := newTestAgent(t, s)

	circuit := NewChannelCircuit("local://one", 10)
	agent.Listeners().Register(circuit)

	due := models.NewEnvelope("orders.retry", []byte(`{}`), "local://one")
	past := time.Now().UTC().Add(-time.Second)
	due.Status = models.StatusScheduled
	due.ScheduledTime = &past
	notYet := models.NewEnvelope("orders.retry", []byte(`{}`), "local://one")
	future := time.Now().UTC().Add(time.Hour)
	notYet.Status = models.StatusScheduled
	notYet.ScheduledTime = &future
	for _, env := range []*models.Envelope{due, notYet} {
		if err := s.StoreIncoming(env); err != nil {
			t.Fatalf("StoreIncoming failed: %v", err)
		}
	}

	if err := agent.promoteScheduled(); err != nil {
		t.Fatalf("promoteScheduled failed: %v", err)
	}

	promoted := drainCircuit(circuit)
	if len(promoted) != 1 || promoted[0].ID != due.ID {
		t.Fatalf("expected only the due envelope, got %+v", promoted)
	}
	if promoted[0].Status != models.StatusIncoming || promoted[0].OwnerID != node.NodeNumber {
		t.Errorf("promoted envelope not claimed as incoming: %+v", promoted[0])
	}
}

func TestPromoteScheduled_NoCircuitReleasesClaim(t *testing.T) {
	s := newAgentTestStore(t)
	agent, _ := newTestAgent(t, s)

	due := models.NewEnvelope("orders.retry", []byte(`{}`), "local://one")
	past := time.Now().UTC().Add(-time.Second)
	due.Status = models.StatusScheduled
	due.ScheduledTime = &past
	if err := s.StoreIncoming(due); err != nil {
		t.Fatalf("StoreIncoming failed: %v", err)
	}

	if err := agent.promoteScheduled(); err != nil {
		t.Fatalf("promoteScheduled failed: %v", err)
	}

	// Promoted to incoming, but unowned so another node can pick it up.
	incoming, err := s.AllIncoming()
	if err != nil {
		t.Fatalf("AllIncoming failed: %v", err)
	}
	if len(incoming) != 1 {
		t.Fatalf("expected 1 incoming row, got %d", len(incoming))
	}
	if incoming[0].Status != models.StatusIncoming || incoming[0].OwnerID != models.AnyNode {
		t.Errorf("claim not released: %+v", incoming[0])
	}
}

func TestJitteredBounds(t *testing.T) {
	const interval = 4 * time.Second
	for i := 0; i < 100; i++ {
		d := jittered(interval)
		if d < 3*time.Second || d >= 5*time.Second {
			t.Fatalf("jittered offset outside +/- 25%%: %v", d)
		}
	}
}

func TestAgentStartStop(t *testing.T) {
	s := newAgentTestStore(t)
	agent, _ := newTestAgent(t, s)

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := agent.Start(context.Background()); err == nil {
		t.Error("second Start must fail while running")
	}
	if !agent.Status().Running {
		t.Error("Status should report running")
	}

	agent.Stop()
	if agent.Status().Running {
		t.Error("Status should report stopped")
	}
	// Stop on a stopped agent is a no-op.
	agent.Stop()
}

func TestHealthTick_AssumesLeadership(t *testing.T) {
	s := newAgentTestStore(t, store.WithDatabaseLock(uuid.New(), "checkout"))
	agent, node := newTestAgent(t, s)

	before := node.LastHealthCheck
	agent.healthTick(context.Background())

	status := agent.Status()
	if !status.Leader {
		t.Fatal("single node should win leadership")
	}
	if !s.HasLeadershipLock() {
		t.Error("store should report the leadership lock held")
	}

	loaded, err := s.LoadNode(node.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if !loaded.LastHealthCheck.After(before.Add(-time.Second)) {
		t.Errorf("health check not stamped: %v", loaded.LastHealthCheck)
	}

	records, err := s.FetchRecentRecords(10)
	if err != nil {
		t.Fatalf("FetchRecentRecords failed: %v", err)
	}
	var assumed bool
	for _, r := range records {
		if r.RecordType == models.RecordLeadershipAssumed && r.NodeNumber == node.NodeNumber {
			assumed = true
		}
	}
	if !assumed {
		t.Error("leadership-assumed record not logged")
	}

	// A renewal is not a transition: no second record.
	agent.healthTick(context.Background())
	records, err = s.FetchRecentRecords(10)
	if err != nil {
		t.Fatalf("FetchRecentRecords failed: %v", err)
	}
	count := 0
	for _, r := range records {
		if r.RecordType == models.RecordLeadershipAssumed {
			count++
		}
	}
	if count != 1 {
		t.Errorf("renewal must not log another transition record, got %d", count)
	}
}

func TestDurabilityTick_EndToEnd(t *testing.T) {
	s := newAgentTestStore(t)
	agent, node := newTestAgent(t, s)

	circuit := NewChannelCircuit("local://one", 10)
	agent.Listeners().Register(circuit)
	storeUnownedIncoming(t, s, "local://one", 2)

	agent.durabilityTick(context.Background())

	recovered := drainCircuit(circuit)
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered envelopes, got %d", len(recovered))
	}
	for _, env := range recovered {
		if env.OwnerID != node.NodeNumber {
			t.Errorf("envelope not claimed by this node: %+v", env)
		}
	}
}
