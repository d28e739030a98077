package store

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

func newTestNode() *models.Node {
	now := time.Now().UTC()
	return &models.Node{
		ID:              uuid.New(),
		Description:     "worker",
		ControlURI:      "tcp://127.0.0.1:5500",
		Version:         "dev",
		Started:         now,
		LastHealthCheck: now,
		Capabilities:    []string{"listener", "scheduler"},
	}
}

func TestPersistNode_AllocatesSequentialNumbers(t *testing.T) {
	s := newTestSQLiteStore(t)

	for want := 1; want <= 3; want++ {
		number, err := s.PersistNode(newTestNode())
		if err != nil {
			t.Fatalf("PersistNode failed: %v", err)
		}
		if number != want {
			t.Errorf("expected node number %d, got %d", want, number)
		}
	}
}

func TestPersistNode_UpsertKeepsNumber(t *testing.T) {
	s := newTestSQLiteStore(t)

	node := newTestNode()
	first, err := s.PersistNode(node)
	if err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}

	node.Description = "renamed"
	second, err := s.PersistNode(node)
	if err != nil {
		t.Fatalf("second PersistNode failed: %v", err)
	}
	if second != first {
		t.Fatalf("re-persist changed node number: %d != %d", second, first)
	}

	loaded, err := s.LoadNode(node.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if loaded.Description != "renamed" {
		t.Errorf("description not updated: %q", loaded.Description)
	}
	if len(loaded.Capabilities) != 2 {
		t.Errorf("capabilities not preserved: %v", loaded.Capabilities)
	}
}

func TestAssignAgents_ReplacesSet(t *testing.T) {
	s := newTestSQLiteStore(t)

	node := newTestNode()
	if _, err := s.PersistNode(node); err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}

	if err := s.AssignAgents(node.ID, []string{"agent://a", "agent://b"}); err != nil {
		t.Fatalf("AssignAgents failed: %v", err)
	}
	if err := s.AssignAgents(node.ID, []string{"agent://c"}); err != nil {
		t.Fatalf("second AssignAgents failed: %v", err)
	}

	loaded, err := s.LoadNode(node.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if len(loaded.Assignments) != 1 || loaded.Assignments[0].AgentURI != "agent://c" {
		t.Errorf("assignment set not replaced: %+v", loaded.Assignments)
	}
}

// An agent address belongs to at most one node: adding it to a second node
// must steal it from the first.
func TestAddAssignment_StealsAddress(t *testing.T) {
	s := newTestSQLiteStore(t)

	first := newTestNode()
	second := newTestNode()
	for _, node := range []*models.Node{first, second} {
		if _, err := s.PersistNode(node); err != nil {
			t.Fatalf("PersistNode failed: %v", err)
		}
	}

	if err := s.AddAssignment(first.ID, "agent://shared"); err != nil {
		t.Fatalf("AddAssignment failed: %v", err)
	}
	if err := s.AddAssignment(second.ID, "agent://shared"); err != nil {
		t.Fatalf("stealing AddAssignment failed: %v", err)
	}

	firstLoaded, err := s.LoadNode(first.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if len(firstLoaded.Assignments) != 0 {
		t.Errorf("first node should have lost the agent: %+v", firstLoaded.Assignments)
	}
	secondLoaded, err := s.LoadNode(second.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if len(secondLoaded.Assignments) != 1 {
		t.Errorf("second node should own the agent: %+v", secondLoaded.Assignments)
	}
}

func TestDeleteNode_RemovesAssignments(t *testing.T) {
	s := newTestSQLiteStore(t)

	node := newTestNode()
	if _, err := s.PersistNode(node); err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}
	if err := s.AssignAgents(node.ID, []string{"agent://a"}); err != nil {
		t.Fatalf("AssignAgents failed: %v", err)
	}

	if err := s.DeleteNode(node.ID); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	loaded, err := s.LoadNode(node.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("node should be gone: %+v", loaded)
	}

	nodes, err := s.LoadAllNodes()
	if err != nil {
		t.Fatalf("LoadAllNodes failed: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected empty cluster, got %d nodes", len(nodes))
	}
}

func TestLogAndFetchRecords(t *testing.T) {
	s := newTestSQLiteStore(t)

	records := []models.NodeRecord{
		models.NewNodeRecord(1, models.RecordNodeJoined, "checkout", "node one up"),
		models.NewNodeRecord(1, models.RecordLeadershipAssumed, "checkout", ""),
	}
	// Separate the timestamps so the ordering assertion is deterministic.
	records[1].Timestamp = records[0].Timestamp.Add(time.Second)

	if err := s.LogRecords(records...); err != nil {
		t.Fatalf("LogRecords failed: %v", err)
	}

	fetched, err := s.FetchRecentRecords(10)
	if err != nil {
		t.Fatalf("FetchRecentRecords failed: %v", err)
	}
	if len(fetched) != 2 {
		t.Fatalf("expected 2 records, got %d", len(fetched))
	}
	// Most recent first.
	if fetched[0].RecordType != models.RecordLeadershipAssumed {
		t.Errorf("unexpected ordering: %+v", fetched)
	}

	limited, err := s.FetchRecentRecords(1)
	if err != nil {
		t.Fatalf("FetchRecentRecords limited failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not applied: %d", len(limited))
	}
}

func TestOverwriteHealthCheckTime(t *testing.T) {
	s := newTestSQLiteStore(t)

	node := newTestNode()
	if _, err := s.PersistNode(node); err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}

	later := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	if err := s.OverwriteHealthCheckTime(node.ID, later); err != nil {
		t.Fatalf("OverwriteHealthCheckTime failed: %v", err)
	}

	loaded, err := s.LoadNode(node.ID)
	if err != nil {
		t.Fatalf("LoadNode failed: %v", err)
	}
	if !loaded.LastHealthCheck.Equal(later) {
		t.Errorf("health check not overwritten: %v != %v", loaded.LastHealthCheck, later)
	}
}

func TestPersistAgentRestrictions(t *testing.T) {
	s := newTestSQLiteStore(t)

	restrictions := []models.AgentRestriction{
		{ID: uuid.New(), AgentURI: "agent://a", Type: models.RestrictionRequire, NodeNumber: 1},
		{ID: uuid.New(), AgentURI: "agent://b", Type: models.RestrictionExclude, NodeNumber: 2},
	}
	if err := s.PersistAgentRestrictions(restrictions); err != nil {
		t.Fatalf("PersistAgentRestrictions failed: %v", err)
	}

	// Replacing with a smaller set drops the rest.
	if err := s.PersistAgentRestrictions(restrictions[:1]); err != nil {
		t.Fatalf("second PersistAgentRestrictions failed: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_restrictions`).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("restriction set not replaced: %d rows", n)
	}
}

func TestClearAllNodes(t *testing.T) {
	s := newTestSQLiteStore(t)

	node := newTestNode()
	if _, err := s.PersistNode(node); err != nil {
		t.Fatalf("PersistNode failed: %v", err)
	}
	if err := s.LogRecords(models.NewNodeRecord(1, models.RecordNodeJoined, "checkout", "")); err != nil {
		t.Fatalf("LogRecords failed: %v", err)
	}

	if err := s.ClearAllNodes(); err != nil {
		t.Fatalf("ClearAllNodes failed: %v", err)
	}
	nodes, err := s.LoadAllNodes()
	if err != nil {
		t.Fatalf("LoadAllNodes failed: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("nodes not cleared: %d", len(nodes))
	}
	records, err := s.FetchRecentRecords(10)
	if err != nil {
		t.Fatalf("FetchRecentRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records not cleared: %d", len(records))
	}
}
