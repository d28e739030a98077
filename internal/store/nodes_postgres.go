package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

// nodeNumberAttempts bounds the retry loop when two nodes race for the same
// next node number.
const nodeNumberAttempts = 5

// PersistNode upserts the node row. A first insert allocates the next node
// number from the current maximum; the unique index arbitrates concurrent
// joins and the loser retries with a fresh number.
func (s *PostgresStore) PersistNode(node *models.Node) (int, error) {
	capabilities := strings.Join(node.Capabilities, ",")

	result, err := s.db.Exec(`
		UPDATE nodes
		SET description = $1, uri = $2, health_check = $3, version = $4, capabilities = $5
		WHERE id = $6`,
		node.Description, nilIfEmpty(node.ControlURI), node.LastHealthCheck.UTC(),
		node.Version, nilIfEmpty(capabilities), node.ID.String())
	if err != nil {
		return 0, fmt.Errorf("persist node %s failed: %w", node.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		var number int
		if err := s.db.QueryRow(`SELECT node_number FROM nodes WHERE id = $1`, node.ID.String()).Scan(&number); err != nil {
			return 0, fmt.Errorf("persist node %s read number failed: %w", node.ID, err)
		}
		node.NodeNumber = number
		return number, nil
	}

	var lastErr error
	for attempt := 0; attempt < nodeNumberAttempts; attempt++ {
		var number int
		err := s.db.QueryRow(`
			INSERT INTO nodes (id, node_number, description, uri, started_at, health_check, version, capabilities)
			SELECT $1, COALESCE(MAX(node_number), 0) + 1, $2, $3, $4, $5, $6, $7 FROM nodes
			RETURNING node_number`,
			node.ID.String(), node.Description, nilIfEmpty(node.ControlURI),
			node.Started.UTC(), node.LastHealthCheck.UTC(), node.Version,
			nilIfEmpty(capabilities)).Scan(&number)
		if err == nil {
			node.NodeNumber = number
			slog.Debug("PostgresStore.PersistNode allocated node number", "nodeID", node.ID, "nodeNumber", number)
			return number, nil
		}
		if !isDuplicateKeyViolation(err) {
			return 0, fmt.Errorf("persist node %s failed: %w", node.ID, err)
		}
		lastErr = err
	}
	return 0, fmt.Errorf("persist node %s failed after %d attempts: %w", node.ID, nodeNumberAttempts, lastErr)
}

func (s *PostgresStore) DeleteNode(nodeID uuid.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE id = $1`, nodeID.String()); err != nil {
		slog.Error("PostgresStore.DeleteNode failed", "error", err, "nodeID", nodeID)
		return fmt.Errorf("delete node %s failed: %w", nodeID, err)
	}
	slog.Debug("PostgresStore.DeleteNode succeeded", "nodeID", nodeID)
	return nil
}

func (s *PostgresStore) LoadAllNodes() ([]*models.Node, error) {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY node_number`)
	if err != nil {
		return nil, fmt.Errorf("load all nodes failed: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	byID := make(map[uuid.UUID]*models.Node)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		byID[node.ID] = node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load all nodes rows failed: %w", err)
	}

	assignRows, err := s.db.Query(`SELECT agent_uri, node_id, started_at FROM node_assignments`)
	if err != nil {
		return nil, fmt.Errorf("load node assignments failed: %w", err)
	}
	defer assignRows.Close()
	for assignRows.Next() {
		assignment, err := scanAssignment(assignRows)
		if err != nil {
			return nil, err
		}
		if node, ok := byID[assignment.NodeID]; ok {
			node.Assignments = append(node.Assignments, assignment)
		}
	}
	if err := assignRows.Err(); err != nil {
		return nil, fmt.Errorf("load node assignments rows failed: %w", err)
	}
	return nodes, nil
}

func (s *PostgresStore) LoadNode(nodeID uuid.UUID) (*models.Node, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("load node %s failed: %w", nodeID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load node %s failed: %w", nodeID, err)
		}
		return nil, nil
	}
	node, err := scanNode(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	assignRows, err := s.db.Query(`SELECT agent_uri, node_id, started_at FROM node_assignments WHERE node_id = $1`, nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("load node %s assignments failed: %w", nodeID, err)
	}
	defer assignRows.Close()
	for assignRows.Next() {
		assignment, err := scanAssignment(assignRows)
		if err != nil {
			return nil, err
		}
		node.Assignments = append(node.Assignments, assignment)
	}
	if err := assignRows.Err(); err != nil {
		return nil, fmt.Errorf("load node %s assignments rows failed: %w", nodeID, err)
	}
	return node, nil
}

const upsertAssignmentPostgres = `
	INSERT INTO node_assignments (agent_uri, node_id, started_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (agent_uri) DO UPDATE SET
		node_id = EXCLUDED.node_id,
		started_at = EXCLUDED.started_at`

// AssignAgents replaces the node's full assignment set in one transaction.
func (s *PostgresStore) AssignAgents(nodeID uuid.UUID, agents []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("assign agents begin failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM node_assignments WHERE node_id = $1`, nodeID.String()); err != nil {
		tx.Rollback()
		return fmt.Errorf("assign agents clear failed: %w", err)
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		if _, err := tx.Exec(upsertAssignmentPostgres, agent, nodeID.String(), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("assign agent %s failed: %w", agent, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("assign agents commit failed: %w", err)
	}
	slog.Debug("PostgresStore.AssignAgents succeeded", "nodeID", nodeID, "count", len(agents))
	return nil
}

func (s *PostgresStore) AddAssignment(nodeID uuid.UUID, agentURI string) error {
	if _, err := s.db.Exec(upsertAssignmentPostgres, agentURI, nodeID.String(), time.Now().UTC()); err != nil {
		slog.Error("PostgresStore.AddAssignment failed", "error", err, "agentURI", agentURI)
		return fmt.Errorf("add assignment %s failed: %w", agentURI, err)
	}
	return nil
}

func (s *PostgresStore) RemoveAssignment(nodeID uuid.UUID, agentURI string) error {
	if _, err := s.db.Exec(`DELETE FROM node_assignments WHERE agent_uri = $1 AND node_id = $2`,
		agentURI, nodeID.String()); err != nil {
		slog.Error("PostgresStore.RemoveAssignment failed", "error", err, "agentURI", agentURI)
		return fmt.Errorf("remove assignment %s failed: %w", agentURI, err)
	}
	return nil
}

// PersistAgentRestrictions replaces the full restriction set.
func (s *PostgresStore) PersistAgentRestrictions(restrictions []models.AgentRestriction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("persist agent restrictions begin failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM agent_restrictions`); err != nil {
		tx.Rollback()
		return fmt.Errorf("persist agent restrictions clear failed: %w", err)
	}
	for _, r := range restrictions {
		if _, err := tx.Exec(`
			INSERT INTO agent_restrictions (id, agent_uri, restriction_type, node_number)
			VALUES ($1, $2, $3, $4)`,
			r.ID.String(), r.AgentURI, string(r.Type), r.NodeNumber); err != nil {
			tx.Rollback()
			return fmt.Errorf("persist agent restriction %s failed: %w", r.AgentURI, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist agent restrictions commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkHealthCheck(node *models.Node) error {
	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE nodes SET health_check = $1 WHERE id = $2`,
		now, node.ID.String()); err != nil {
		slog.Error("PostgresStore.MarkHealthCheck failed", "error", err, "nodeID", node.ID)
		return fmt.Errorf("mark health check for %s failed: %w", node.ID, err)
	}
	node.LastHealthCheck = now
	return nil
}

func (s *PostgresStore) OverwriteHealthCheckTime(nodeID uuid.UUID, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE nodes SET health_check = $1 WHERE id = $2`,
		at.UTC(), nodeID.String()); err != nil {
		return fmt.Errorf("overwrite health check for %s failed: %w", nodeID, err)
	}
	return nil
}

func (s *PostgresStore) LogRecords(records ...models.NodeRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("log records begin failed: %w", err)
	}
	for _, r := range records {
		if _, err := tx.Exec(`
			INSERT INTO node_records (id, node_number, record_type, recorded_at, description, service_name, agent_uri)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID.String(), r.NodeNumber, string(r.RecordType), r.Timestamp.UTC(),
			r.Description, r.ServiceName, r.AgentURI); err != nil {
			tx.Rollback()
			return fmt.Errorf("log record %s failed: %w", r.RecordType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("log records commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchRecentRecords(count int) ([]models.NodeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_number, record_type, recorded_at, description, service_name, agent_uri
		FROM node_records ORDER BY recorded_at DESC LIMIT $1`, count)
	if err != nil {
		return nil, fmt.Errorf("fetch recent records failed: %w", err)
	}
	defer rows.Close()

	var records []models.NodeRecord
	for rows.Next() {
		record, err := scanNodeRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch recent records rows failed: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) ClearAllNodes() error {
	for _, table := range []string{"node_assignments", "agent_restrictions", "node_records", "leadership_lock", "nodes"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear all nodes (%s) failed: %w", table, err)
		}
	}
	slog.Debug("PostgresStore.ClearAllNodes succeeded")
	return nil
}

func scanAssignment(rows *sql.Rows) (models.AgentAssignment, error) {
	var assignment models.AgentAssignment
	var nodeID string
	if err := rows.Scan(&assignment.AgentURI, &nodeID, &assignment.StartedAt); err != nil {
		return assignment, fmt.Errorf("scan node assignment failed: %w", err)
	}
	id, err := uuid.Parse(nodeID)
	if err != nil {
		return assignment, fmt.Errorf("parse assignment node id %q failed: %w", nodeID, err)
	}
	assignment.NodeID = id
	return assignment, nil
}

func scanNodeRecord(rows *sql.Rows) (models.NodeRecord, error) {
	var record models.NodeRecord
	var id, recordType string
	if err := rows.Scan(&id, &record.NodeNumber, &recordType, &record.Timestamp,
		&record.Description, &record.ServiceName, &record.AgentURI); err != nil {
		return record, fmt.Errorf("scan node record failed: %w", err)
	}
	recordID, err := uuid.Parse(id)
	if err != nil {
		return record, fmt.Errorf("parse node record id %q failed: %w", id, err)
	}
	record.ID = recordID
	record.RecordType = models.NodeRecordType(recordType)
	return record, nil
}
