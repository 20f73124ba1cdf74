package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/agentoutput"
	"featurepilot/internal/config"
	"featurepilot/internal/domain"
	"featurepilot/internal/events"
	"featurepilot/internal/hub"
	"featurepilot/internal/metrics"
	"featurepilot/internal/prompts"
	"featurepilot/internal/repo"
)

// AgentService is the part of the agent client the engine and reconciler use.
type AgentService interface {
	CreateAgent(ctx context.Context, spec agentclient.AgentSpec) (agentclient.Agent, error)
	GetAgent(ctx context.Context, id string) (agentclient.Agent, error)
	GetConversation(ctx context.Context, id string) ([]agentclient.ConversationMessage, error)
	SendFollowup(ctx context.Context, id, text string) error
	CancelAgent(ctx context.Context, id string) error
}

// RunWatcher tracks a run until it settles, typically by polling.
type RunWatcher interface {
	Watch(orchestrationID, runID string)
}

const (
	actorSystem = "system"
	actorAgent  = "agent"
)

// Engine owns every orchestration state change. Transitions on the same
// orchestration are serialized.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Agents  AgentService
	Hub     hub.Publisher
	Prompts *prompts.Loader
	Metrics *metrics.Recorder
	Log     *slog.Logger
	Watcher RunWatcher
	Now     func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, agents AgentService, pub hub.Publisher) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Agents: agents,
		Hub:    pub,
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
	e.Events = events.Writer{Now: e.now}
	if cfg != nil {
		e.Prompts = prompts.NewLoader(cfg.Prompts.Dir)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) prompts() *prompts.Loader {
	if e.Prompts == nil {
		e.Prompts = prompts.NewLoader()
	}
	return e.Prompts
}

func (e *Engine) lock(orchestrationID string) func() {
	if e.locks == nil {
		e.locks = newKeyedMutex()
	}
	return e.locks.Lock(orchestrationID)
}

func (e *Engine) publish(userID, evtType string, payload any) {
	if e.Hub == nil || userID == "" {
		return
	}
	e.Hub.BroadcastToUser(userID, hub.Event{Type: evtType, Payload: payload})
}

func (e *Engine) watch(orchestrationID, runID string) {
	if e.Watcher != nil {
		e.Watcher.Watch(orchestrationID, runID)
	}
}

// transitionTx moves o to status to, recording the change in the audit log.
// The caller persists o.
func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, to domain.OrchestrationStatus, actor string, extra events.EventPayload) error {
	if err := ensureTransition(o.Status, to); err != nil {
		return err
	}
	payload := events.EventPayload{"from": string(o.Status), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationStatus, o.ID, "orchestration", o.ID, actor, payload); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = e.timestamp()
	return nil
}

// Get returns an orchestration visible to ownerID. An empty ownerID skips
// the ownership check; other owners' orchestrations are reported as not found.
func (e *Engine) Get(ctx context.Context, id, ownerID string) (domain.Orchestration, error) {
	o, err := e.Repo.GetOrchestration(ctx, id)
	if err != nil {
		return domain.Orchestration{}, err
	}
	if ownerID != "" && o.OwnerID != ownerID {
		return domain.Orchestration{}, repo.ErrNotFound
	}
	return o, nil
}

// CreateOptions describe a new feature request.
type CreateOptions struct {
	OwnerID       string
	Title         string
	Description   string
	RepositoryURL string
	RepositoryRef string
}

// Create launches the orchestrator agent and records the orchestration. If the
// agent cannot be created the orchestration is stored as FAILED and the agent
// error is returned alongside it.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.Orchestration, error) {
	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	opts.Title = strings.TrimSpace(opts.Title)
	opts.RepositoryURL = strings.TrimSpace(opts.RepositoryURL)
	if opts.OwnerID == "" {
		return domain.Orchestration{}, invalid("owner_id", "is required")
	}
	if opts.Title == "" {
		return domain.Orchestration{}, invalid("title", "is required")
	}
	if opts.RepositoryURL == "" {
		return domain.Orchestration{}, invalid("repository.url", "is required")
	}
	if e.Agents == nil {
		return domain.Orchestration{}, errors.New("agent service not configured")
	}
	now := e.timestamp()
	o := domain.Orchestration{
		ID:            uuid.NewString(),
		OwnerID:       opts.OwnerID,
		RepositoryURL: opts.RepositoryURL,
		RepositoryRef: strings.TrimSpace(opts.RepositoryRef),
		Title:         opts.Title,
		Description:   strings.TrimSpace(opts.Description),
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	run := domain.AgentRun{
		ID:              uuid.NewString(),
		OrchestrationID: o.ID,
		AgentType:       domain.AgentOrchestrator,
		Status:          domain.RunCreating,
		Metadata:        map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	prompt, err := e.prompts().OrchestratorPrompt(o)
	if err != nil {
		return domain.Orchestration{}, err
	}
	agent, agentErr := e.Agents.CreateAgent(ctx, e.agentSpec(o, prompt, map[string]string{
		"orchestrationId": o.ID,
		"runId":           run.ID,
		"role":            "orchestrator",
	}))
	if agentErr != nil {
		e.log().Error("create orchestrator agent failed", "orchestration_id", o.ID, "error", agentErr)
		o.FailureReason = "create orchestrator agent: " + agentErr.Error()
		run.Status = domain.RunFailed
		if err := e.insertOrchestration(ctx, o, run, domain.StatusFailed); err != nil {
			return domain.Orchestration{}, errors.Join(agentErr, err)
		}
		o.Status = domain.StatusFailed
		e.Metrics.Transition(string(domain.StatusPending), string(o.Status))
		e.publish(o.OwnerID, hub.EventOrchestrationError, errorPayload(o))
		return o, fmt.Errorf("create orchestrator agent: %w", agentErr)
	}
	run.ExternalAgentID = &agent.ID
	run.Status = initialRunStatus(agent.Status, domain.AgentOrchestrator)
	if err := e.insertOrchestration(ctx, o, run, domain.StatusCollectingRequirements); err != nil {
		e.cancelOrphans(ctx, []string{agent.ID})
		return domain.Orchestration{}, err
	}
	o.Status = domain.StatusCollectingRequirements
	e.Metrics.Transition(string(domain.StatusPending), string(o.Status))
	e.log().Info("orchestration created", "orchestration_id", o.ID, "owner_id", o.OwnerID, "agent_id", agent.ID)
	e.publish(o.OwnerID, hub.EventOrchestrationUpdated, o)
	e.watch(o.ID, run.ID)
	return o, nil
}

func (e *Engine) insertOrchestration(ctx context.Context, o domain.Orchestration, run domain.AgentRun, to domain.OrchestrationStatus) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	from := o.Status
	if err := ensureTransition(from, to); err != nil {
		return err
	}
	o.Status = to
	if err := e.Repo.InsertOrchestrationTx(ctx, tx, o); err != nil {
		return fmt.Errorf("insert orchestration: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationCreated, o.ID, "orchestration", o.ID, o.OwnerID, events.EventPayload{
		"title": o.Title, "repository_url": o.RepositoryURL, "repository_ref": o.RepositoryRef,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationStatus, o.ID, "orchestration", o.ID, o.OwnerID, events.EventPayload{
		"from": string(from), "to": string(to),
	}); err != nil {
		return err
	}
	if to == domain.StatusFailed {
		if err := e.Events.Append(ctx, tx, events.OrchestrationFailed, o.ID, "orchestration", o.ID, actorSystem, events.EventPayload{"reason": o.FailureReason}); err != nil {
			return err
		}
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert orchestrator run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RunCreated, o.ID, "run", run.ID, actorSystem, events.EventPayload{
		"agent_type": string(run.AgentType), "status": string(run.Status), "external_agent_id": run.ExternalID(),
	}); err != nil {
		return err
	}
	request := o.Title
	if o.Description != "" {
		request += "\n\n" + o.Description
	}
	if _, err := e.Repo.InsertMessageTx(ctx, tx, domain.AgentMessage{
		ID:              uuid.NewString(),
		OrchestrationID: o.ID,
		RunID:           &run.ID,
		Role:            domain.RoleUser,
		Content:         request,
		CreatedAt:       o.CreatedAt,
	}); err != nil {
		return fmt.Errorf("insert request message: %w", err)
	}
	return tx.Commit()
}

func (e *Engine) agentSpec(o domain.Orchestration, prompt string, metadata map[string]string) agentclient.AgentSpec {
	spec := agentclient.AgentSpec{
		Prompt:     prompt,
		Repository: o.RepositoryURL,
		Ref:        o.RepositoryRef,
		Metadata:   metadata,
	}
	if e.Config != nil && e.Config.WebhooksEnabled() {
		spec.WebhookURL = e.Config.Webhook.URL
		spec.WebhookSecret = e.Config.Webhook.Secret
	}
	return spec
}

// initialRunStatus maps the status returned on creation. A freshly created
// agent is never reported as settled; the reconciler observes that later.
func initialRunStatus(raw string, agentType domain.AgentType) domain.RunStatus {
	switch s := MapAgentStatus(raw, agentType); s {
	case domain.RunCreating, domain.RunQueued, domain.RunRunning:
		return s
	default:
		return domain.RunRunning
	}
}

// HandleAgentOutput applies structured orchestrator output. Output from
// sub-agents, or arriving when the orchestration is not waiting for the
// orchestrator, is ignored. Output that does not parse leaves everything
// unchanged and returns the *agentoutput.ParseError.
func (e *Engine) HandleAgentOutput(ctx context.Context, runID, text string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.AgentType != domain.AgentOrchestrator {
		return nil
	}
	unlock := e.lock(run.OrchestrationID)
	defer unlock()

	o, err := e.Repo.GetOrchestration(ctx, run.OrchestrationID)
	if err != nil {
		return err
	}
	if o.Status != domain.StatusCollectingRequirements && o.Status != domain.StatusPlanning {
		e.log().Debug("ignoring orchestrator output", "orchestration_id", o.ID, "status", o.Status)
		return nil
	}
	out, err := agentoutput.Parse(text)
	if err != nil {
		stage := ""
		var pe *agentoutput.ParseError
		if errors.As(err, &pe) {
			stage = pe.Stage
		}
		e.log().Warn("agent output rejected", "orchestration_id", o.ID, "run_id", run.ID, "stage", stage, "error", err, "raw", text)
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err = e.Repo.GetRunTx(ctx, tx, run.ID)
	if err != nil {
		return err
	}
	from := o.Status
	var (
		to       domain.OrchestrationStatus
		evtType  string
		hubType  string
		hubExtra any
	)
	switch out.Type {
	case agentoutput.TypeQuestions:
		to, evtType, hubType, hubExtra = domain.StatusAwaitingUser, events.OrchestrationQuestions, hub.EventOrchestrationQuestion, out.Questions
	case agentoutput.TypePlan:
		to, evtType, hubType, hubExtra = domain.StatusAwaitingApproval, events.OrchestrationPlan, hub.EventOrchestrationPlanReady, out.Plan
		run.PlanPayload = out.JSON
	}
	if err := e.Events.Append(ctx, tx, evtType, o.ID, "orchestration", o.ID, actorAgent, events.EventPayload{"run_id": run.ID}); err != nil {
		return err
	}
	if err := e.transitionTx(ctx, tx, &o, to, actorAgent, nil); err != nil {
		return err
	}
	o.PlanPayload = out.JSON
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return err
	}
	if runMayMove(run.Status, domain.RunWaitingForUser) {
		if err := e.setRunStatusTx(ctx, tx, &run, domain.RunWaitingForUser, actorAgent); err != nil {
			return err
		}
	} else if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Transition(string(from), string(to))
	e.log().Info("orchestrator output applied", "orchestration_id", o.ID, "type", out.Type, "status", o.Status)
	payload := map[string]any{"orchestration": o}
	if out.Type == agentoutput.TypeQuestions {
		payload["questions"] = hubExtra
	} else {
		payload["plan"] = hubExtra
	}
	e.publish(o.OwnerID, hubType, payload)
	return nil
}

// setRunStatusTx changes a run's status and records it. The caller has
// checked runMayMove.
func (e *Engine) setRunStatusTx(ctx context.Context, tx *sql.Tx, run *domain.AgentRun, to domain.RunStatus, actor string) error {
	from := run.Status
	run.Status = to
	run.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateRunTx(ctx, tx, *run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return e.Events.Append(ctx, tx, events.RunStatus, run.OrchestrationID, "run", run.ID, actor, events.EventPayload{
		"from": string(from), "to": string(to),
	})
}

// SubmitAnswers answers the orchestrator's open questions and hands the
// conversation back to it.
func (e *Engine) SubmitAnswers(ctx context.Context, id, ownerID string, answers map[string]string) (domain.Orchestration, error) {
	unlock := e.lock(id)
	defer unlock()

	o, err := e.Get(ctx, id, ownerID)
	if err != nil {
		return domain.Orchestration{}, err
	}
	if o.Status != domain.StatusAwaitingUser {
		return o, invalidState("submit answers", o.Status)
	}
	questions, err := agentoutput.QuestionsFromPayload(o.PlanPayload)
	if err != nil {
		return o, fmt.Errorf("stored questions: %w", err)
	}
	ordered, err := matchAnswers(questions, answers)
	if err != nil {
		return o, err
	}
	run, err := e.Repo.GetOrchestratorRun(ctx, o.ID)
	if err != nil {
		return o, err
	}
	if run.ExternalID() == "" {
		return o, fmt.Errorf("orchestrator run %s has no agent", run.ID)
	}
	text, err := e.prompts().AnswersFollowup(ordered)
	if err != nil {
		return o, err
	}
	if err := e.Agents.SendFollowup(ctx, run.ExternalID(), text); err != nil {
		e.log().Error("send answers failed", "orchestration_id", o.ID, "agent_id", run.ExternalID(), "error", err)
		return o, fmt.Errorf("send answers: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	for _, a := range ordered {
		if _, err := e.Repo.InsertMessageTx(ctx, tx, domain.AgentMessage{
			ID:              uuid.NewString(),
			OrchestrationID: o.ID,
			RunID:           &run.ID,
			Role:            domain.RoleUser,
			Content:         a.Line(),
			CreatedAt:       now,
		}); err != nil {
			return o, fmt.Errorf("insert answer: %w", err)
		}
	}
	answered := make([]string, 0, len(ordered))
	for _, a := range ordered {
		answered = append(answered, a.Question.ID)
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationAnswers, o.ID, "orchestration", o.ID, ownerID, events.EventPayload{"question_ids": answered}); err != nil {
		return o, err
	}
	from := o.Status
	if err := e.transitionTx(ctx, tx, &o, domain.StatusPlanning, ownerID, nil); err != nil {
		return o, err
	}
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return o, err
	}
	if runMayMove(run.Status, domain.RunRunning) {
		if err := e.setRunStatusTx(ctx, tx, &run, domain.RunRunning, ownerID); err != nil {
			return o, err
		}
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	e.Metrics.Transition(string(from), string(o.Status))
	e.publish(o.OwnerID, hub.EventOrchestrationUpdated, o)
	e.watch(o.ID, run.ID)
	return o, nil
}

func matchAnswers(questions []domain.Question, answers map[string]string) ([]prompts.Answer, error) {
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}
	ids := make([]string, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !known[id] {
			return nil, invalid("answers."+id, "unknown question")
		}
	}
	var ordered []prompts.Answer
	for i, q := range questions {
		text := strings.TrimSpace(answers[q.ID])
		if text == "" {
			if q.Required {
				return nil, invalid("answers."+q.ID, "an answer is required")
			}
			continue
		}
		ordered = append(ordered, prompts.Answer{N: i + 1, Question: q, Text: text})
	}
	if len(ordered) == 0 {
		return nil, invalid("answers", "at least one answer is required")
	}
	return ordered, nil
}

// Fail marks a non-terminal orchestration FAILED. Live runs are cancelled.
func (e *Engine) Fail(ctx context.Context, id, reason string) error {
	unlock := e.lock(id)
	defer unlock()
	o, err := e.Repo.GetOrchestration(ctx, id)
	if err != nil {
		return err
	}
	return e.failLocked(ctx, o, reason, hub.EventOrchestrationError)
}

func (e *Engine) failLocked(ctx context.Context, o domain.Orchestration, reason, hubType string) error {
	if o.Status.Terminal() {
		return nil
	}
	runs, err := e.Repo.ListRuns(ctx, o.ID)
	if err != nil {
		return err
	}
	stopped := e.stopRuns(ctx, runs)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range stopped {
		if err := e.setRunStatusTx(ctx, tx, &stopped[i], domain.RunFailed, actorSystem); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationFailed, o.ID, "orchestration", o.ID, actorSystem, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	from := o.Status
	if err := e.transitionTx(ctx, tx, &o, domain.StatusFailed, actorSystem, nil); err != nil {
		return err
	}
	o.FailureReason = reason
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Transition(string(from), string(o.Status))
	e.log().Warn("orchestration failed", "orchestration_id", o.ID, "reason", reason)
	if hubType == hub.EventOrchestrationCompleted {
		e.publish(o.OwnerID, hubType, map[string]any{"orchestration": o, "status": o.Status})
	} else {
		e.publish(o.OwnerID, hubType, errorPayload(o))
	}
	return nil
}

func errorPayload(o domain.Orchestration) map[string]any {
	return map[string]any{"orchestration": o, "error": o.FailureReason}
}

// stopRuns cancels the external agents of live runs and returns those runs
// with metadata marking the cancellation; statuses are left to the caller.
// Cancel failures are logged and otherwise ignored.
func (e *Engine) stopRuns(ctx context.Context, runs []domain.AgentRun) []domain.AgentRun {
	var stopped []domain.AgentRun
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		if ext := run.ExternalID(); ext != "" {
			if err := e.Agents.CancelAgent(ctx, ext); err != nil {
				e.log().Warn("cancel agent failed", "run_id", run.ID, "agent_id", ext, "error", err)
			}
		}
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		run.Metadata["cancelled"] = true
		stopped = append(stopped, run)
	}
	return stopped
}

// cancelOrphans cancels agents that exist remotely but were never recorded.
func (e *Engine) cancelOrphans(ctx context.Context, agentIDs []string) {
	for _, id := range agentIDs {
		if err := e.Agents.CancelAgent(ctx, id); err != nil {
			e.log().Error("cancel orphaned agent failed", "agent_id", id, "error", err)
			continue
		}
		e.log().Warn("cancelled orphaned agent", "agent_id", id)
	}
}

// Cancel stops a non-terminal orchestration and all of its live runs.
func (e *Engine) Cancel(ctx context.Context, id, ownerID string) (domain.Orchestration, error) {
	unlock := e.lock(id)
	defer unlock()
	o, err := e.Get(ctx, id, ownerID)
	if err != nil {
		return domain.Orchestration{}, err
	}
	if o.Status.Terminal() {
		return o, invalidState("cancel", o.Status)
	}
	return e.cancelLocked(ctx, o, ownerID)
}

func (e *Engine) cancelLocked(ctx context.Context, o domain.Orchestration, actor string) (domain.Orchestration, error) {
	runs, err := e.Repo.ListRuns(ctx, o.ID)
	if err != nil {
		return o, err
	}
	stopped := e.stopRuns(ctx, runs)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	for i := range stopped {
		if err := e.setRunStatusTx(ctx, tx, &stopped[i], domain.RunFailed, actor); err != nil {
			return o, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.OrchestrationCancelled, o.ID, "orchestration", o.ID, actor, events.EventPayload{"runs_stopped": len(stopped)}); err != nil {
		return o, err
	}
	from := o.Status
	if err := e.transitionTx(ctx, tx, &o, domain.StatusCancelled, actor, nil); err != nil {
		return o, err
	}
	if err := e.Repo.UpdateOrchestrationTx(ctx, tx, o); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	e.Metrics.Transition(string(from), string(o.Status))
	e.log().Info("orchestration cancelled", "orchestration_id", o.ID, "runs_stopped", len(stopped))
	e.publish(o.OwnerID, hub.EventOrchestrationUpdated, o)
	return o, nil
}

// Delete removes an orchestration with its runs, messages and audit entries,
// cancelling it first when it is still live.
func (e *Engine) Delete(ctx context.Context, id, ownerID string) error {
	unlock := e.lock(id)
	defer unlock()
	o, err := e.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !o.Status.Terminal() {
		if o, err = e.cancelLocked(ctx, o, ownerID); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOrchestrationTx(ctx, tx, o.ID); err != nil {
		return err
	}
	// Written without an orchestration reference so it outlives the cascade.
	if err := e.Events.Append(ctx, tx, events.OrchestrationDeleted, "", "orchestration", o.ID, ownerID, events.EventPayload{
		"title": o.Title, "status": string(o.Status),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
