package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veloqueue/durastore/internal/models"
)

// PersistNode upserts the node row. A first insert allocates the next node
// number from the current maximum; the unique index arbitrates concurrent
// joins and the loser retries with a fresh number.
func (s *SQLiteStore) PersistNode(node *models.Node) (int, error) {
	capabilities := strings.Join(node.Capabilities, ",")

	result, err := s.db.Exec(`
		UPDATE nodes
		SET description = ?, uri = ?, health_check = ?, version = ?, capabilities = ?
		WHERE id = ?`,
		node.Description, nilIfEmpty(node.ControlURI), node.LastHealthCheck.UTC(),
		node.Version, nilIfEmpty(capabilities), node.ID.String())
	if err != nil {
		return 0, fmt.Errorf("persist node %s failed: %w", node.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		var number int
		if err := s.db.QueryRow(`SELECT node_number FROM nodes WHERE id = ?`, node.ID.String()).Scan(&number); err != nil {
			return 0, fmt.Errorf("persist node %s read number failed: %w", node.ID, err)
		}
		node.NodeNumber = number
		return number, nil
	}

	var lastErr error
	for attempt := 0; attempt < nodeNumberAttempts; attempt++ {
		_, err := s.db.Exec(`
			INSERT INTO nodes (id, node_number, description, uri, started_at, health_check, version, capabilities)
			VALUES (?, (SELECT COALESCE(MAX(node_number), 0) + 1 FROM nodes), ?, ?, ?, ?, ?, ?)`,
			node.ID.String(), node.Description, nilIfEmpty(node.ControlURI),
			node.Started.UTC(), node.LastHealthCheck.UTC(), node.Version,
			nilIfEmpty(capabilities))
		if err == nil {
			var number int
			if err := s.db.QueryRow(`SELECT node_number FROM nodes WHERE id = ?`, node.ID.String()).Scan(&number); err != nil {
				return 0, fmt.Errorf("persist node %s read number failed: %w", node.ID, err)
			}
			node.NodeNumber = number
			slog.Debug("SQLiteStore.PersistNode allocated node number", "nodeID", node.ID, "nodeNumber", number)
			return number, nil
		}
		if !isDuplicateKeyViolation(err) {
			return 0, fmt.Errorf("persist node %s failed: %w", node.ID, err)
		}
		lastErr = err
	}
	return 0, fmt.Errorf("persist node %s failed after %d attempts: %w", node.ID, nodeNumberAttempts, lastErr)
}

func (s *SQLiteStore) DeleteNode(nodeID uuid.UUID) error {
	// SQLite needs the cascade spelled out unless foreign keys are enabled.
	if _, err := s.db.Exec(`DELETE FROM node_assignments WHERE node_id = ?`, nodeID.String()); err != nil {
		return fmt.Errorf("delete node %s assignments failed: %w", nodeID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, nodeID.String()); err != nil {
		slog.Error("SQLiteStore.DeleteNode failed", "error", err, "nodeID", nodeID)
		return fmt.Errorf("delete node %s failed: %w", nodeID, err)
	}
	slog.Debug("SQLiteStore.DeleteNode succeeded", "nodeID", nodeID)
	return nil
}

func (s *SQLiteStore) LoadAllNodes() ([]*models.Node, error) {
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

func (s *SQLiteStore) LoadNode(nodeID uuid.UUID) (*models.Node, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID.String())
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

	assignRows, err := s.db.Query(`SELECT agent_uri, node_id, started_at FROM node_assignments WHERE node_id = ?`, nodeID.String())
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

const upsertAssignmentSQLite = `
	INSERT INTO node_assignments (agent_uri, node_id, started_at)
	VALUES (?, ?, ?)
	ON CONFLICT (agent_uri) DO UPDATE SET
		node_id = excluded.node_id,
		started_at = excluded.started_at`

// AssignAgents replaces the node's full assignment set in one transaction.
func (s *SQLiteStore) AssignAgents(nodeID uuid.UUID, agents []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("assign agents begin failed: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM node_assignments WHERE node_id = ?`, nodeID.String()); err != nil {
		tx.Rollback()
		return fmt.Errorf("assign agents clear failed: %w", err)
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		if _, err := tx.Exec(upsertAssignmentSQLite, agent, nodeID.String(), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("assign agent %s failed: %w", agent, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("assign agents commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.AssignAgents succeeded", "nodeID", nodeID, "count", len(agents))
	return nil
}

func (s *SQLiteStore) AddAssignment(nodeID uuid.UUID, agentURI string) error {
	if _, err := s.db.Exec(upsertAssignmentSQLite, agentURI, nodeID.String(), time.Now().UTC()); err != nil {
		slog.Error("SQLiteStore.AddAssignment failed", "error", err, "agentURI", agentURI)
		return fmt.Errorf("add assignment %s failed: %w", agentURI, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveAssignment(nodeID uuid.UUID, agentURI string) error {
	if _, err := s.db.Exec(`DELETE FROM node_assignments WHERE agent_uri = ? AND node_id = ?`,
		agentURI, nodeID.String()); err != nil {
		slog.Error("SQLiteStore.RemoveAssignment failed", "error", err, "agentURI", agentURI)
		return fmt.Errorf("remove assignment %s failed: %w", agentURI, err)
	}
	return nil
}

// PersistAgentRestrictions replaces the full restriction set.
func (s *SQLiteStore) PersistAgentRestrictions(restrictions []models.AgentRestriction) error {
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
			VALUES (?, ?, ?, ?)`,
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

func (s *SQLiteStore) MarkHealthCheck(node *models.Node) error {
	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE nodes SET health_check = ? WHERE id = ?`,
		now, node.ID.String()); err != nil {
		slog.Error("SQLiteStore.MarkHealthCheck failed", "error", err, "nodeID", node.ID)
		return fmt.Errorf("mark health check for %s failed: %w", node.ID, err)
	}
	node.LastHealthCheck = now
	return nil
}

func (s *SQLiteStore) OverwriteHealthCheckTime(nodeID uuid.UUID, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE nodes SET health_check = ? WHERE id = ?`,
		at.UTC(), nodeID.String()); err != nil {
		return fmt.Errorf("overwrite health check for %s failed: %w", nodeID, err)
	}
	return nil
}

func (s *SQLiteStore) LogRecords(records ...models.NodeRecord) error {
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
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) FetchRecentRecords(count int) ([]models.NodeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_number, record_type, recorded_at, description, service_name, agent_uri
		FROM node_records ORDER BY recorded_at DESC LIMIT ?`, count)
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

func (s *SQLiteStore) ClearAllNodes() error {
	for _, table := range []string{"node_assignments", "agent_restrictions", "node_records", "leadership_lock", "nodes"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear all nodes (%s) failed: %w", table, err)
		}
	}
	slog.Debug("SQLiteStore.ClearAllNodes succeeded")
	return nil
}
