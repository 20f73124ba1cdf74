package repo

import (
	"context"
	"database/sql"

	"featurepilot/internal/domain"
)

// InsertMessageTx appends a message. Messages carrying an external id already
// stored for the same run are skipped; inserted reports whether a row was written.
func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.AgentMessage) (inserted bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO agent_messages(id,orchestration_id,run_id,role,content,external_id,created_at) VALUES (?,?,?,?,?,?,?) ON CONFLICT(run_id, external_id) DO NOTHING`,
		m.ID, m.OrchestrationID, nullablePtr(m.RunID), string(m.Role), m.Content, nullablePtr(m.ExternalID), m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns an orchestration's messages in insertion order.
func (r Repo) ListMessages(ctx context.Context, orchestrationID string) ([]domain.AgentMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,orchestration_id,run_id,role,content,external_id,created_at FROM agent_messages WHERE orchestration_id=? ORDER BY rowid`, orchestrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentMessage
	for rows.Next() {
		var (
			m               domain.AgentMessage
			runID, external sql.NullString
			role            string
		)
		if err := rows.Scan(&m.ID, &m.OrchestrationID, &runID, &role, &m.Content, &external, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		if runID.Valid {
			m.RunID = &runID.String
		}
		if external.Valid {
			m.ExternalID = &external.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMessages(ctx context.Context, orchestrationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_messages WHERE orchestration_id=?`, orchestrationID).Scan(&n)
	return n, err
}
