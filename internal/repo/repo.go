package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"featurepilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orchestrationColumns = `id,owner_id,repository_url,repository_ref,title,COALESCE(description,''),status,plan_accepted,plan_payload,COALESCE(failure_reason,''),created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrchestration(row rowScanner) (domain.Orchestration, error) {
	var (
		o         domain.Orchestration
		status    string
		accepted  int
		payload   sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.RepositoryURL, &o.RepositoryRef, &o.Title, &o.Description, &status,
		&accepted, &payload, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Status = domain.OrchestrationStatus(status)
	o.PlanAccepted = accepted != 0
	if payload.Valid && payload.String != "" {
		o.PlanPayload = json.RawMessage(payload.String)
	}
	if completed.Valid {
		o.CompletedAt = &completed.String
	}
	return o, nil
}

func (r Repo) InsertOrchestrationTx(ctx context.Context, tx *sql.Tx, o domain.Orchestration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orchestrations(id,owner_id,repository_url,repository_ref,title,description,status,plan_accepted,plan_payload,failure_reason,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.OwnerID, o.RepositoryURL, o.RepositoryRef, o.Title, nullable(o.Description), string(o.Status),
		boolInt(o.PlanAccepted), nullableRaw(o.PlanPayload), nullable(o.FailureReason), o.CreatedAt, o.UpdatedAt, o.CompletedAt)
	return err
}

func (r Repo) GetOrchestration(ctx context.Context, id string) (domain.Orchestration, error) {
	return getOrchestration(ctx, r.DB, id)
}

func (r Repo) GetOrchestrationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Orchestration, error) {
	return getOrchestration(ctx, tx, id)
}

func getOrchestration(ctx context.Context, q querier, id string) (domain.Orchestration, error) {
	return scanOrchestration(q.QueryRowContext(ctx, `SELECT `+orchestrationColumns+` FROM orchestrations WHERE id=?`, id))
}

// ListOrchestrations returns the owner's orchestrations, newest first. An empty
// owner lists every orchestration.
func (r Repo) ListOrchestrations(ctx context.Context, ownerID, status string, limit int) ([]domain.Orchestration, error) {
	query := `SELECT ` + orchestrationColumns + ` FROM orchestrations WHERE 1=1`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListActiveOrchestrations returns every orchestration whose status is not terminal.
func (r Repo) ListActiveOrchestrations(ctx context.Context) ([]domain.Orchestration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orchestrationColumns+` FROM orchestrations WHERE status NOT IN (?,?,?) ORDER BY created_at`,
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateOrchestrationTx(ctx context.Context, tx *sql.Tx, o domain.Orchestration) error {
	res, err := tx.ExecContext(ctx, `UPDATE orchestrations SET status=?, plan_accepted=?, plan_payload=?, failure_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		string(o.Status), boolInt(o.PlanAccepted), nullableRaw(o.PlanPayload), nullable(o.FailureReason), o.UpdatedAt, o.CompletedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteOrchestrationTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM orchestrations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOrchestrationsByStatus returns status -> count, scoped to owner when set.
func (r Repo) CountOrchestrationsByStatus(ctx context.Context, ownerID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM orchestrations`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}
