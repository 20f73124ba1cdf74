package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/repo"
)

var (
	ErrPollTimeout = errors.New("agent did not settle before the poll limit")
	ErrPollPanic   = errors.New("poll panicked")
)

// PollError is returned by a poll loop that gave up on a run.
type PollError struct {
	OrchestrationID string
	RunID           string
	Err             error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll run %s: %v", e.RunID, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

func pollKey(runID string) string { return "poll:" + runID }

// Watch starts polling runID unless polling is disabled. Watching a run that
// is already polled makes the running loop poll it once more after it settles.
func (r *Reconciler) Watch(orchestrationID, runID string) {
	if !r.opts.Poll || r.sup == nil {
		return
	}
	r.sup.Ensure(pollKey(runID), func(ctx context.Context) error {
		return r.Poll(ctx, orchestrationID, runID)
	})
}

// Poll queries the agent behind runID every PollInterval until the run
// settles, the orchestration ends or the attempt limit is reached. Tick
// errors are logged and retried on the next tick. A panic while polling is
// returned as a PollError so the orchestration can be failed.
func (r *Reconciler) Poll(ctx context.Context, orchestrationID, runID string) (err error) {
	log := r.log.With("orchestration_id", orchestrationID, "run_id", runID)
	defer func() {
		if p := recover(); p != nil {
			log.Error("poll panicked", "panic", p, "stack", string(debug.Stack()))
			err = &PollError{OrchestrationID: orchestrationID, RunID: runID, Err: fmt.Errorf("%w: %v", ErrPollPanic, p)}
		}
	}()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	log.Debug("poll started", "interval", r.opts.PollInterval, "max_attempts", r.opts.MaxAttempts)

	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done, err := r.PollOnce(ctx, runID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				log.Debug("poll stopped, run is gone")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Metrics.PollTick("error")
			log.Warn("poll tick failed", "attempt", attempt, "error", err)
			continue
		}
		if done {
			log.Debug("poll finished", "attempts", attempt)
			return nil
		}
	}
	log.Warn("poll gave up", "attempts", r.opts.MaxAttempts)
	return &PollError{OrchestrationID: orchestrationID, RunID: runID, Err: ErrPollTimeout}
}

// PollOnce performs a single poll of runID and reports whether polling can
// stop.
func (r *Reconciler) PollOnce(ctx context.Context, runID string) (bool, error) {
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	o, err := r.repo.GetOrchestration(ctx, run.OrchestrationID)
	if err != nil {
		return false, err
	}
	if settled(o, run) {
		return true, nil
	}
	agentID := run.ExternalID()
	if agentID == "" {
		return true, nil
	}
	agent, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	u := engine.RunUpdate{RunID: run.ID, Status: engine.MapAgentStatus(agent.Status, run.AgentType)}
	if run.AgentType == domain.AgentOrchestrator && u.Status == domain.RunWaitingForUser && awaitingOrchestrator(o) {
		if u.Messages, err = r.conversation(ctx, agentID); err != nil {
			return false, err
		}
	}
	res, err := r.apply(ctx, u)
	if err != nil {
		return false, err
	}
	if res.StatusChanged || len(res.Inserted) > 0 {
		r.Metrics.PollTick("changed")
	} else {
		r.Metrics.PollTick("unchanged")
	}

	if run, err = r.repo.GetRun(ctx, runID); err != nil {
		return false, err
	}
	if o, err = r.repo.GetOrchestration(ctx, run.OrchestrationID); err != nil {
		return false, err
	}
	return settled(o, run), nil
}

// settled reports whether nothing more is expected from run. The orchestrator
// settles once it waits for the user and its output has been applied.
func settled(o domain.Orchestration, run domain.AgentRun) bool {
	if o.Status.Terminal() || run.Status.Terminal() {
		return true
	}
	return run.AgentType == domain.AgentOrchestrator && run.Status == domain.RunWaitingForUser && !awaitingOrchestrator(o)
}
