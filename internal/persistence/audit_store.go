package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/mcp-bridge/internal/audit"
)

// AuditEntry represents a row from the audit_log table.
type AuditEntry struct {
	AuditID       int64     `json:"audit_id"`
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertAudit implements audit.Sink.
func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	created := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		created = ts.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject, action, decision, reason, policy_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion, created)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log
		ORDER BY audit_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var ae AuditEntry
		if err := rows.Scan(&ae.AuditID, &ae.Subject, &ae.Action, &ae.Decision,
			&ae.Reason, &ae.PolicyVersion, &ae.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

// CountDecisions tallies audit rows per decision since the given time.
func (s *Store) CountDecisions(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision, COUNT(1) FROM audit_log WHERE created_at >= ? GROUP BY decision;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count audit decisions: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("scan audit decisions: %w", err)
		}
		out[decision] = n
	}
	return out, rows.Err()
}

// RunRetention deletes audit rows older than days. Zero keeps everything.
// The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
