// Package events writes the append-only audit log. Entries are written in the
// same transaction as the state change they describe.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	OrchestrationCreated   = "orchestration.created"
	OrchestrationStatus    = "orchestration.status_changed"
	OrchestrationQuestions = "orchestration.questions_received"
	OrchestrationPlan      = "orchestration.plan_received"
	OrchestrationAnswers   = "orchestration.answers_submitted"
	OrchestrationApproved  = "orchestration.plan_approved"
	OrchestrationFailed    = "orchestration.failed"
	OrchestrationCancelled = "orchestration.cancelled"
	OrchestrationDeleted   = "orchestration.deleted"
	RunCreated             = "run.created"
	RunStarted             = "run.started"
	RunStatus              = "run.status_changed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orchestrationID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,orchestration_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(orchestrationID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
