package repo

import (
	"context"
	"database/sql"
)

// RecordDeliveryTx stores an inbound webhook event id. first is false when the
// id was already recorded.
func (r Repo) RecordDeliveryTx(ctx context.Context, tx *sql.Tx, eventID, agentID, evtType, receivedAt string) (first bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO webhook_deliveries(event_id,agent_id,type,received_at) VALUES (?,?,?,?) ON CONFLICT(event_id) DO NOTHING`,
		eventID, agentID, evtType, receivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeliverySeen(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE event_id=?`, eventID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
