package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"featurepilot/internal/agentoutput"
	"featurepilot/internal/domain"
	"featurepilot/internal/events"
	"featurepilot/internal/hub"
)

// AcceptPlan approves the pending plan and starts execution. Agents for
// sub-agents without dependencies are created first; all run records and the
// approval are then committed in one transaction. If that transaction fails
// nothing is recorded and the agents already created are cancelled.
func (e *Engine) AcceptPlan(ctx context.Context, id, ownerID string) (domain.Orchestration, error) {
	unlock := e.lock(id)
	defer unlock()

	o, err := e.Get(ctx, id, ownerID)
	if err != nil {
		return domain.Orchestration{}, err
	}
	if o.PlanAccepted {
		return o, nil
	}
	if o.Status != domain.StatusAwaitingApproval {
		return o, invalidState("accept plan", o.Status)
	}
	plan, err := agentoutput.PlanFromPayload(o.PlanPayload)
	if err != nil {
		return o, fmt.Errorf("stored plan: %w", err)
	}
	orchRun, err := e.Repo.GetOrchestratorRun(ctx, o.ID)
	if err != nil {
		return o, err
	}
	runs, err := e.planRuns(o, orchRun, plan)
	if err != nil {
		return o, err
	}

	var created []string
	for i := range runs {
		if len(runs[i].DependsOn) > 0 {
			continue
		}
		if err := e.startRun(ctx, o, plan, &runs[i]); err != nil {
			e.log().Error("create sub-agent failed", "orchestration_id", o.ID, "sub_agent", runs[i].SubAgentKey, "error", err)
			e.cancelOrphans(ctx, created)
			if ferr := e.failLocked(ctx, o, fmt.Sprintf("create sub-agent %s: %v", runLabel(runs[i]), err), hub.EventOrchestrationError); ferr != nil {
				e.log().Error("record failure", "orchestration_id", o.ID, "error", ferr)
			}
			return o, fmt.Errorf("create sub-agent: %w", err)
		}
		created = append(created, runs[i].ExternalID())
	}

	accepted, err := e.commitAcceptance(ctx, o, orchRun, runs)
	if err != nil {
		e.log().Error("plan acceptance rolled back", "orchestration_id", o.ID, "agents_created", len(created), "error", err)
		e.cancelOrphans(ctx, created)
		return o, fmt.Errorf("accept plan: %w", err)
	}
	e.Metrics.Transition(string(domain.StatusAwaitingApproval), string(domain.StatusApproved))
	e.Metrics.Transition(string(domain.StatusApproved), string(domain.StatusExecuting))
	e.log().Info("plan accepted", "orchestration_id", o.ID, "runs", len(runs), "started", len(created))
	e.publish(accepted.OwnerID, hub.EventOrchestrationUpdated, accepted)
	for _, run := range runs {
		if run.ExternalID() != "" {
			e.watch(o.ID, run.ID)
		}
	}
	return accepted, nil
}

func (e *Engine) commitAcceptance(ctx context.Context, o domain.Orchestration, orchRun domain.AgentRun, runs []domain.AgentRun) (domain.Orchestration, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	if err := e.Events.Append(ctx, tx, events.OrchestrationApproved, o.ID, "orchestration", o.ID, o.OwnerID, events.EventPayload{"runs": len(runs)}); err != nil {
		return o, err
	}
	if err := e.transitionTx(ctx, tx, &o, domain.StatusApproved, o.OwnerID, nil); err != nil {
		return o, err
	}
	for _, run := range runs {
		if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
			return o, fmt.Errorf("insert run %s: %w", runLabel(run), err)
		}
		if err := e.Events.Append(ctx, tx, events.RunCreated, o.ID, "run", run.ID, o.OwnerID, events.EventPayload{
			"agent_type": string(run.AgentType), "status": string(run.Status), "sub_agent": run.SubAgentKey,
			"external_agent_id": run.ExternalID(), "depends_on": run.DependsOn,
		}); err != nil {
			return o, err
		}
	}
	if runMayMove(orchRun.Status, domain.RunCompleted) {
		if err := e.setRunStatusTx(ctx, tx, &orchRun, domain.RunCompleted, o.OwnerID); err != nil {
			return o, err
		}
	}
	if err := e.transitionTx(ctx, tx, &o, domain.StatusExecuting, o.OwnerID, nil); err != nil {
		return o, err
	}
	o.PlanAccepted = true
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// planRuns builds one queued run per sub-agent, or a single run carrying the
// whole plan when it names none.
func (e *Engine) planRuns(o domain.Orchestration, orchRun domain.AgentRun, plan domain.Plan) ([]domain.AgentRun, error) {
	now := e.timestamp()
	newRun := func(key string, payload any, dependsOn []string, meta map[string]any) (domain.AgentRun, error) {
		raw, err := marshalPayload(payload)
		if err != nil {
			return domain.AgentRun{}, err
		}
		parent := orchRun.ID
		return domain.AgentRun{
			ID:              uuid.NewString(),
			OrchestrationID: o.ID,
			ParentRunID:     &parent,
			AgentType:       domain.AgentSubAgent,
			Status:          domain.RunQueued,
			SubAgentKey:     key,
			DependsOn:       dependsOn,
			PlanPayload:     raw,
			Metadata:        meta,
			CreatedAt:       now,
			UpdatedAt:       now,
		}, nil
	}
	if len(plan.SubAgents) == 0 {
		run, err := newRun("", plan, nil, map[string]any{"name": plan.PrimaryObjective})
		if err != nil {
			return nil, err
		}
		return []domain.AgentRun{run}, nil
	}
	runs := make([]domain.AgentRun, 0, len(plan.SubAgents))
	for _, sa := range plan.SubAgents {
		run, err := newRun(sa.ID, sa, sa.DependsOn, map[string]any{"name": sa.Name, "scope": sa.Scope})
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// startRun creates the external agent for run and updates it in memory.
func (e *Engine) startRun(ctx context.Context, o domain.Orchestration, plan domain.Plan, run *domain.AgentRun) error {
	sub := findSubAgent(plan, run.SubAgentKey)
	prompt, err := e.prompts().SubAgentPrompt(o, plan, sub)
	if err != nil {
		return err
	}
	spec := e.agentSpec(o, prompt, map[string]string{
		"orchestrationId": o.ID,
		"runId":           run.ID,
		"role":            "sub_agent",
		"subAgent":        run.SubAgentKey,
	})
	spec.BranchName = e.branchName(o, run.SubAgentKey)
	if e.Config != nil {
		spec.AutoCreatePR = e.Config.Agent.AutoCreatePR
	}
	agent, err := e.Agents.CreateAgent(ctx, spec)
	if err != nil {
		return err
	}
	run.ExternalAgentID = &agent.ID
	run.Status = initialRunStatus(agent.Status, domain.AgentSubAgent)
	run.UpdatedAt = e.timestamp()
	return nil
}

func (e *Engine) branchName(o domain.Orchestration, key string) string {
	prefix := "featurepilot/"
	if e.Config != nil && e.Config.Agent.BranchPrefix != "" {
		prefix = e.Config.Agent.BranchPrefix
	}
	short := o.ID
	if len(short) > 8 {
		short = short[:8]
	}
	if key == "" {
		key = "main"
	}
	return prefix + short + "-" + slug(key)
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func findSubAgent(plan domain.Plan, key string) *domain.SubAgent {
	if key == "" {
		return nil
	}
	for i := range plan.SubAgents {
		if plan.SubAgents[i].ID == key {
			return &plan.SubAgents[i]
		}
	}
	return nil
}

func runLabel(run domain.AgentRun) string {
	if run.SubAgentKey != "" {
		return run.SubAgentKey
	}
	return run.ID
}

// OnRunChanged re-evaluates an orchestration after one of its runs changed
// status. A failed orchestrator fails the orchestration while planning. During
// execution it starts runs whose dependencies completed and finalizes the
// orchestration once every run settled.
func (e *Engine) OnRunChanged(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	unlock := e.lock(run.OrchestrationID)
	defer unlock()

	o, err := e.Repo.GetOrchestration(ctx, run.OrchestrationID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return nil
	}
	if run, err = e.Repo.GetRun(ctx, runID); err != nil {
		return err
	}
	if run.AgentType == domain.AgentOrchestrator {
		if run.Status == domain.RunFailed && planning(o.Status) {
			return e.failLocked(ctx, o, "orchestrator agent failed", hub.EventOrchestrationError)
		}
		return nil
	}
	if o.Status != domain.StatusExecuting {
		return nil
	}
	return e.advanceExecution(ctx, o)
}

func (e *Engine) advanceExecution(ctx context.Context, o domain.Orchestration) error {
	runs, err := e.Repo.ListSubAgentRuns(ctx, o.ID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	byKey := make(map[string]domain.RunStatus, len(runs))
	completed := 0
	for _, run := range runs {
		byKey[run.SubAgentKey] = run.Status
		switch run.Status {
		case domain.RunFailed:
			return e.failLocked(ctx, o, fmt.Sprintf("sub-agent %s failed", runLabel(run)), hub.EventOrchestrationCompleted)
		case domain.RunCompleted:
			completed++
		}
	}
	if completed == len(runs) {
		return e.completeLocked(ctx, o)
	}

	var (
		plan       domain.Plan
		planLoaded bool
	)
	for i := range runs {
		run := runs[i]
		if run.Status != domain.RunQueued || run.ExternalID() != "" || !depsCompleted(run, byKey) {
			continue
		}
		if !planLoaded {
			if plan, err = agentoutput.PlanFromPayload(o.PlanPayload); err != nil {
				return fmt.Errorf("stored plan: %w", err)
			}
			planLoaded = true
		}
		if err := e.startRun(ctx, o, plan, &run); err != nil {
			e.log().Error("create sub-agent failed", "orchestration_id", o.ID, "sub_agent", run.SubAgentKey, "error", err)
			return e.failLocked(ctx, o, fmt.Sprintf("create sub-agent %s: %v", runLabel(run), err), hub.EventOrchestrationError)
		}
		if err := e.recordStart(ctx, run); err != nil {
			e.cancelOrphans(ctx, []string{run.ExternalID()})
			return err
		}
		e.log().Info("sub-agent started", "orchestration_id", o.ID, "sub_agent", run.SubAgentKey, "agent_id", run.ExternalID())
		e.publish(o.OwnerID, hub.EventAgentStatus, AgentStatusPayload(run))
		e.watch(o.ID, run.ID)
	}
	return nil
}

func depsCompleted(run domain.AgentRun, byKey map[string]domain.RunStatus) bool {
	for _, dep := range run.DependsOn {
		if byKey[dep] != domain.RunCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) recordStart(ctx context.Context, run domain.AgentRun) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if err := e.Events.Append(ctx, tx, events.RunStarted, run.OrchestrationID, "run", run.ID, actorSystem, events.EventPayload{
		"sub_agent": run.SubAgentKey, "external_agent_id": run.ExternalID(), "status": string(run.Status),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) completeLocked(ctx context.Context, o domain.Orchestration) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	from := o.Status
	if err := e.transitionTx(ctx, tx, &o, domain.StatusCompleted, actorSystem, nil); err != nil {
		return err
	}
	done := o.UpdatedAt
	o.CompletedAt = &done
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Transition(string(from), string(o.Status))
	e.log().Info("orchestration completed", "orchestration_id", o.ID)
	e.publish(o.OwnerID, hub.EventOrchestrationCompleted, map[string]any{"orchestration": o, "status": o.Status})
	return nil
}

// IncomingMessage is a conversation entry reported by the agent service.
type IncomingMessage struct {
	ExternalID string
	Role       domain.MessageRole
	Content    string
}

// RunUpdate is what the reconciler learned about a run.
type RunUpdate struct {
	RunID string
	// Status is empty when the update carries no status.
	Status    domain.RunStatus
	LastEvent json.RawMessage
	Messages  []IncomingMessage
}

// RunUpdateResult describes what RecordRunUpdate persisted.
type RunUpdateResult struct {
	Run           domain.AgentRun
	OwnerID       string
	Previous      domain.RunStatus
	StatusChanged bool
	Inserted      []domain.AgentMessage
}

// RecordRunUpdate persists a status change and new conversation messages for
// a run. The status is written only when it differs and the run is not
// terminal; messages already stored under the same external id are skipped.
// Follow-up decisions are left to HandleAgentOutput and OnRunChanged.
func (e *Engine) RecordRunUpdate(ctx context.Context, u RunUpdate) (RunUpdateResult, error) {
	run, err := e.Repo.GetRun(ctx, u.RunID)
	if err != nil {
		return RunUpdateResult{}, err
	}
	unlock := e.lock(run.OrchestrationID)
	defer unlock()

	o, err := e.Repo.GetOrchestration(ctx, run.OrchestrationID)
	if err != nil {
		return RunUpdateResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RunUpdateResult{}, err
	}
	defer tx.Rollback()

	if run, err = e.Repo.GetRunTx(ctx, tx, u.RunID); err != nil {
		return RunUpdateResult{}, err
	}
	res := RunUpdateResult{OwnerID: o.OwnerID, Previous: run.Status}
	if len(u.LastEvent) > 0 {
		run.LastEvent = u.LastEvent
	}
	if runMayMove(run.Status, u.Status) {
		if err := e.setRunStatusTx(ctx, tx, &run, u.Status, actorAgent); err != nil {
			return RunUpdateResult{}, err
		}
		res.StatusChanged = true
	} else if len(u.LastEvent) > 0 {
		if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
			return RunUpdateResult{}, err
		}
	}
	now := e.timestamp()
	for _, m := range u.Messages {
		msg := domain.AgentMessage{
			ID:              uuid.NewString(),
			OrchestrationID: run.OrchestrationID,
			RunID:           &run.ID,
			Role:            m.Role,
			Content:         m.Content,
			CreatedAt:       now,
		}
		if m.ExternalID != "" {
			ext := m.ExternalID
			msg.ExternalID = &ext
		}
		inserted, err := e.Repo.InsertMessageTx(ctx, tx, msg)
		if err != nil {
			return RunUpdateResult{}, fmt.Errorf("insert message: %w", err)
		}
		if inserted {
			res.Inserted = append(res.Inserted, msg)
		}
	}
	if err := tx.Commit(); err != nil {
		return RunUpdateResult{}, err
	}
	res.Run = run
	return res, nil
}

// AgentStatusPayload is the real-time payload describing a run's status.
func AgentStatusPayload(run domain.AgentRun) map[string]any {
	return map[string]any{
		"orchestrationId": run.OrchestrationID,
		"runId":           run.ID,
		"agentId":         run.ExternalID(),
		"agentType":       run.AgentType,
		"subAgent":        run.SubAgentKey,
		"status":          run.Status,
	}
}
