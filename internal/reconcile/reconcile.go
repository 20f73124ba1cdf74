// Package reconcile feeds agent status and conversation updates into the
// engine. Updates arrive either pushed by the agent service as signed
// webhooks or pulled by a bounded per-run poll loop; both paths converge on
// the same apply step.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/agentoutput"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/hub"
	"featurepilot/internal/metrics"
	"featurepilot/internal/repo"
	"featurepilot/internal/supervise"
)

type Options struct {
	// Secret signs inbound webhooks. Deliveries are rejected while it is empty.
	Secret       string
	PollInterval time.Duration
	MaxAttempts  int
	// Poll enables poll loops for watched runs.
	Poll bool
}

type Reconciler struct {
	engine *engine.Engine
	agents engine.AgentService
	repo   repo.Repo
	hub    hub.Publisher
	sup    *supervise.Supervisor
	log    *slog.Logger
	opts   Options

	Metrics *metrics.Recorder
	Now     func() time.Time
}

// New builds a reconciler around eng. Poll loops run under sup.
func New(eng *engine.Engine, sup *supervise.Supervisor, log *slog.Logger, opts Options) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 360
	}
	return &Reconciler{
		engine:  eng,
		agents:  eng.Agents,
		repo:    eng.Repo,
		hub:     eng.Hub,
		sup:     sup,
		log:     log,
		opts:    opts,
		Metrics: eng.Metrics,
		Now:     time.Now,
	}
}

func (r *Reconciler) publish(userID, evtType string, payload any) {
	if r.hub == nil || userID == "" {
		return
	}
	r.hub.BroadcastToUser(userID, hub.Event{Type: evtType, Payload: payload})
}

// apply records u and lets the engine react to it: structured orchestrator
// output is handed over for parsing and status changes re-evaluate the
// orchestration. agent.message is published per stored message and
// agent.status when the status changed.
func (r *Reconciler) apply(ctx context.Context, u engine.RunUpdate) (engine.RunUpdateResult, error) {
	res, err := r.engine.RecordRunUpdate(ctx, u)
	if err != nil {
		return res, err
	}
	run := res.Run
	for _, m := range res.Inserted {
		r.publish(res.OwnerID, hub.EventAgentMessage, messagePayload(run, m))
	}
	if run.AgentType == domain.AgentOrchestrator {
		for _, m := range res.Inserted {
			if m.Role != domain.RoleAssistant || !agentoutput.LooksStructured(m.Content) {
				continue
			}
			if err := r.engine.HandleAgentOutput(ctx, run.ID, m.Content); err != nil {
				var pe *agentoutput.ParseError
				if errors.As(err, &pe) {
					continue
				}
				return res, err
			}
		}
	}
	if res.StatusChanged {
		if err := r.engine.OnRunChanged(ctx, run.ID); err != nil {
			return res, err
		}
		r.log.Info("agent status changed", "orchestration_id", run.OrchestrationID, "run_id", run.ID,
			"from", res.Previous, "to", run.Status)
		r.publish(res.OwnerID, hub.EventAgentStatus, engine.AgentStatusPayload(run))
	}
	return res, nil
}

func messagePayload(run domain.AgentRun, m domain.AgentMessage) map[string]any {
	return map[string]any{
		"orchestrationId": run.OrchestrationID,
		"runId":           run.ID,
		"agentId":         run.ExternalID(),
		"agentType":       run.AgentType,
		"message":         m,
	}
}

// conversation fetches the assistant messages of an agent's conversation.
func (r *Reconciler) conversation(ctx context.Context, agentID string) ([]engine.IncomingMessage, error) {
	msgs, err := r.agents.GetConversation(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var res []engine.IncomingMessage
	for _, m := range msgs {
		if m.Type != agentclient.MessageAssistant || m.Text == "" {
			continue
		}
		res = append(res, engine.IncomingMessage{ExternalID: m.ID, Role: domain.RoleAssistant, Content: m.Text})
	}
	return res, nil
}

// awaitingOrchestrator reports whether the orchestrator is expected to
// produce output for o.
func awaitingOrchestrator(o domain.Orchestration) bool {
	return o.Status == domain.StatusCollectingRequirements || o.Status == domain.StatusPlanning
}
