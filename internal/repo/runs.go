package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"featurepilot/internal/domain"
)

const runColumns = `id,orchestration_id,parent_run_id,external_agent_id,agent_type,status,COALESCE(sub_agent_key,''),depends_on_json,plan_payload,metadata_json,last_event,created_at,updated_at`

func scanRun(row rowScanner) (domain.AgentRun, error) {
	var (
		run                           domain.AgentRun
		parent, external              sql.NullString
		agentType, status             string
		dependsOn, payload, lastEvent sql.NullString
		metadata                      string
	)
	err := row.Scan(&run.ID, &run.OrchestrationID, &parent, &external, &agentType, &status, &run.SubAgentKey,
		&dependsOn, &payload, &metadata, &lastEvent, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.AgentType = domain.AgentType(agentType)
	run.Status = domain.RunStatus(status)
	if parent.Valid {
		run.ParentRunID = &parent.String
	}
	if external.Valid {
		run.ExternalAgentID = &external.String
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &run.DependsOn); err != nil {
			return run, err
		}
	}
	if payload.Valid && payload.String != "" {
		run.PlanPayload = json.RawMessage(payload.String)
	}
	if lastEvent.Valid && lastEvent.String != "" {
		run.LastEvent = json.RawMessage(lastEvent.String)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
			return run, err
		}
	}
	return run, nil
}

func runArgs(run domain.AgentRun) ([]any, error) {
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := marshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	var deps any
	if len(run.DependsOn) > 0 {
		s, err := marshalJSON(run.DependsOn)
		if err != nil {
			return nil, err
		}
		deps = s
	}
	return []any{nullablePtr(run.ParentRunID), nullablePtr(run.ExternalAgentID), string(run.AgentType), string(run.Status),
		nullable(run.SubAgentKey), deps, nullableRaw(run.PlanPayload), meta, nullableRaw(run.LastEvent)}, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	all := append([]any{run.ID, run.OrchestrationID}, args...)
	all = append(all, run.CreatedAt, run.UpdatedAt)
	_, err = tx.ExecContext(ctx, `INSERT INTO agent_runs(id,orchestration_id,parent_run_id,external_agent_id,agent_type,status,sub_agent_key,depends_on_json,plan_payload,metadata_json,last_event,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, all...)
	return err
}

// UpdateRunTx rewrites the mutable columns of a run.
func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	// parent, agent type, sub-agent key and dependencies are fixed at insert.
	res, err := tx.ExecContext(ctx, `UPDATE agent_runs SET external_agent_id=?, status=?, plan_payload=?, metadata_json=?, last_event=?, updated_at=? WHERE id=?`,
		nullablePtr(run.ExternalAgentID), string(run.Status), nullableRaw(run.PlanPayload), meta, nullableRaw(run.LastEvent), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id))
}

func (r Repo) GetRunByExternalID(ctx context.Context, externalID string) (domain.AgentRun, error) {
	if externalID == "" {
		return domain.AgentRun{}, ErrNotFound
	}
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE external_agent_id=?`, externalID))
}

func (r Repo) GetOrchestratorRun(ctx context.Context, orchestrationID string) (domain.AgentRun, error) {
	return getOrchestratorRun(ctx, r.DB, orchestrationID)
}

func (r Repo) GetOrchestratorRunTx(ctx context.Context, tx *sql.Tx, orchestrationID string) (domain.AgentRun, error) {
	return getOrchestratorRun(ctx, tx, orchestrationID)
}

func getOrchestratorRun(ctx context.Context, q querier, orchestrationID string) (domain.AgentRun, error) {
	return scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE orchestration_id=? AND agent_type=?`,
		orchestrationID, string(domain.AgentOrchestrator)))
}

// ListRuns returns all runs of an orchestration in creation order.
func (r Repo) ListRuns(ctx context.Context, orchestrationID string) ([]domain.AgentRun, error) {
	return listRuns(ctx, r.DB, orchestrationID)
}

func (r Repo) ListRunsTx(ctx context.Context, tx *sql.Tx, orchestrationID string) ([]domain.AgentRun, error) {
	return listRuns(ctx, tx, orchestrationID)
}

func listRuns(ctx context.Context, q querier, orchestrationID string) ([]domain.AgentRun, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE orchestration_id=? ORDER BY created_at, rowid`, orchestrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListSubAgentRuns returns the execution-phase runs of an orchestration.
func (r Repo) ListSubAgentRuns(ctx context.Context, orchestrationID string) ([]domain.AgentRun, error) {
	return r.filterRuns(ctx, r.DB, orchestrationID, domain.AgentSubAgent)
}

func (r Repo) ListSubAgentRunsTx(ctx context.Context, tx *sql.Tx, orchestrationID string) ([]domain.AgentRun, error) {
	return r.filterRuns(ctx, tx, orchestrationID, domain.AgentSubAgent)
}

func (r Repo) filterRuns(ctx context.Context, q querier, orchestrationID string, agentType domain.AgentType) ([]domain.AgentRun, error) {
	all, err := listRuns(ctx, q, orchestrationID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.AgentRun, 0, len(all))
	for _, run := range all {
		if run.AgentType == agentType {
			res = append(res, run)
		}
	}
	return res, nil
}
