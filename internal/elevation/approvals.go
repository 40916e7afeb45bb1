package elevation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pchinjr/no-wing/internal/core"
)

// ApprovalStore persists manual-approval fallbacks so an operator can review
// what the agent was denied. Manual approval is a terminal state for the
// elevation that produced it, not a resumable workflow.
type ApprovalStore struct {
	db *sql.DB
}

// OpenApprovalStore opens (or creates) the approval database.
func OpenApprovalStore(path string) (*ApprovalStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening approval db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pending_requests (
		id           TEXT PRIMARY KEY,
		operation    TEXT NOT NULL,
		service      TEXT NOT NULL,
		resources    TEXT DEFAULT '[]',
		risk         TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		resolved_at  TEXT,
		resolved_by  TEXT,
		reason       TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pending_requests table: %w", err)
	}

	return &ApprovalStore{db: db}, nil
}

// Record inserts a new pending request.
func (s *ApprovalStore) Record(req core.PendingRequest) error {
	resourcesJSON, _ := json.Marshal(req.Resources)
	_, err := s.db.Exec(
		`INSERT INTO pending_requests (id, operation, service, resources, risk, requested_by, requested_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Operation, req.Service, string(resourcesJSON),
		string(req.Risk), string(req.RequestedBy),
		req.RequestedAt.Format(time.RFC3339), string(core.ApprovalPending),
	)
	if err != nil {
		return fmt.Errorf("inserting pending request: %w", err)
	}
	return nil
}

// ListPending returns all unresolved requests, newest first.
func (s *ApprovalStore) ListPending() ([]core.PendingRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, service, resources, risk, requested_by, requested_at, status, resolved_at, resolved_by, reason
		 FROM pending_requests WHERE status = ? ORDER BY requested_at DESC`,
		string(core.ApprovalPending),
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// Resolve marks a request approved or denied.
func (s *ApprovalStore) Resolve(id string, status core.ApprovalStatus, resolvedBy, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE pending_requests SET status = ?, resolved_at = ?, resolved_by = ?, reason = ?
		 WHERE id = ? AND status = ?`,
		string(status), now.Format(time.RFC3339), resolvedBy, reason,
		id, string(core.ApprovalPending),
	)
	if err != nil {
		return fmt.Errorf("resolving request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pending request not found: %s", id)
	}
	return nil
}

// Close releases the database handle.
func (s *ApprovalStore) Close() error {
	return s.db.Close()
}

func scanRequests(rows *sql.Rows) ([]core.PendingRequest, error) {
	var requests []core.PendingRequest
	for rows.Next() {
		var req core.PendingRequest
		var resourcesJSON, requestedAt string
		var resolvedAt, resolvedBy, reason sql.NullString

		err := rows.Scan(
			&req.ID, &req.Operation, &req.Service, &resourcesJSON,
			&req.Risk, &req.RequestedBy, &requestedAt, &req.Status,
			&resolvedAt, &resolvedBy, &reason,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending request: %w", err)
		}

		json.Unmarshal([]byte(resourcesJSON), &req.Resources)
		req.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
		if resolvedAt.Valid {
			t, _ := time.Parse(time.RFC3339, resolvedAt.String)
			req.ResolvedAt = &t
		}
		if resolvedBy.Valid {
			req.ResolvedBy = resolvedBy.String
		}
		if reason.Valid {
			req.Reason = reason.String
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
