package models

import (
	"time"

	"github.com/google/uuid"
)

// Node is one row per live cluster member.
type Node struct {
	ID              uuid.UUID
	NodeNumber      int
	Description     string
	ControlURI      string
	Version         string
	Started         time.Time
	LastHealthCheck time.Time
	Capabilities    []string
	Assignments     []AgentAssignment
}

// AgentAssignment links a node to an agent address it currently runs.
// An agent address is owned by at most one node at a time.
type AgentAssignment struct {
	AgentURI  string
	NodeID    uuid.UUID
	StartedAt time.Time
}

// RestrictionType pins an agent to or away from a node number.
type RestrictionType string

const (
	RestrictionExclude RestrictionType = "exclude"
	RestrictionRequire RestrictionType = "require"
)

// AgentRestriction constrains where an agent address may be assigned.
// Restrictions are replaced as a full set on each write.
type AgentRestriction struct {
	ID         uuid.UUID
	AgentURI   string
	Type       RestrictionType
	NodeNumber int
}

// NodeRecordType classifies node lifecycle events.
type NodeRecordType string

const (
	RecordNodeJoined         NodeRecordType = "node-joined"
	RecordNodeStopped        NodeRecordType = "node-stopped"
	RecordHealthCheck        NodeRecordType = "health-check"
	RecordLeadershipAssumed  NodeRecordType = "leadership-assumed"
	RecordLeadershipReleased NodeRecordType = "leadership-released"
	RecordAgentStarted       NodeRecordType = "agent-started"
	RecordAgentStopped       NodeRecordType = "agent-stopped"
)

// NodeRecord is one append-only audit log entry for a node lifecycle event.
type NodeRecord struct {
	ID          uuid.UUID
	NodeNumber  int
	RecordType  NodeRecordType
	Timestamp   time.Time
	Description string
	ServiceName string
	AgentURI    string
}

// NewNodeRecord creates a record stamped with the current time.
func NewNodeRecord(nodeNumber int, recordType NodeRecordType, serviceName, description string) NodeRecord {
	return NodeRecord{
		ID:          uuid.New(),
		NodeNumber:  nodeNumber,
		RecordType:  recordType,
		Timestamp:   time.Now().UTC(),
		Description: description,
		ServiceName: serviceName,
	}
}
