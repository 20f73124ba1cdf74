package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/agentclient/agentfake"
	"featurepilot/internal/config"
	"featurepilot/internal/db"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/hub"
	"featurepilot/internal/migrate"
	"featurepilot/internal/reconcile"
	"featurepilot/internal/supervise"
)

const (
	owner  = "user-1"
	secret = "s3cret"
)

const questionsOutput = `{"type":"follow_up_questions","questions":[{"id":"q1","question":"Which pages?","required":true}]}`

const soloPlan = `Plan below.
{"type":"plan","plan":{"primaryObjective":"Dark mode","summary":"Toggle on all pages",
 "steps":[{"id":"s1","title":"Toggle","description":"Add the switch","deliverables":["toggle.tsx"]}],"subAgents":[]}}`

type testEnv struct {
	Ctx        context.Context
	Engine     *engine.Engine
	Agents     *agentfake.Fake
	Hub        *hub.Capture
	Reconciler *reconcile.Reconciler
	Supervisor *supervise.Supervisor
}

func newTestEnv(t *testing.T, opts reconcile.Options) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	agents := agentfake.New()
	pub := &hub.Capture{}
	eng := engine.New(conn, config.Default(), agents, pub)
	sup := supervise.New(context.Background(), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	if opts.Secret == "" {
		opts.Secret = secret
	}
	rec := reconcile.New(eng, sup, nil, opts)
	eng.Watcher = rec
	return testEnv{Ctx: context.Background(), Engine: eng, Agents: agents, Hub: pub, Reconciler: rec, Supervisor: sup}
}

func (env testEnv) create(t *testing.T) domain.Orchestration {
	t.Helper()
	o, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		OwnerID:       owner,
		Title:         "Add dark mode toggle",
		RepositoryURL: "https://github.com/acme/shop",
	})
	require.NoError(t, err)
	return o
}

func (env testEnv) get(t *testing.T, id string) domain.Orchestration {
	t.Helper()
	o, err := env.Engine.Get(env.Ctx, id, owner)
	require.NoError(t, err)
	return o
}

func (env testEnv) deliver(t *testing.T, payload map[string]any) (string, error) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return env.Reconciler.HandleWebhook(env.Ctx, body, reconcile.Sign(secret, body))
}

// subAgentID returns the remote agent id of the single sub-agent run.
func (env testEnv) subAgentID(t *testing.T, orchestrationID string) string {
	t.Helper()
	runs, err := env.Engine.Repo.ListSubAgentRuns(env.Ctx, orchestrationID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotEmpty(t, runs[0].ExternalID())
	return runs[0].ExternalID()
}

func statusEvents(env testEnv, runID string) int {
	n := 0
	for _, p := range env.Hub.OfType(hub.EventAgentStatus) {
		if p.Event.Payload.(map[string]any)["runId"] == runID {
			n++
		}
	}
	return n
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"agent":{"id":"a"}}`)
	sig := reconcile.Sign(secret, body)

	assert.True(t, reconcile.VerifySignature(secret, body, sig))
	assert.True(t, reconcile.VerifySignature(secret, body, sig[len("sha256="):]))
	assert.False(t, reconcile.VerifySignature("other", body, sig))
	assert.False(t, reconcile.VerifySignature(secret, []byte(`{"agent":{"id":"b"}}`), sig))
	assert.False(t, reconcile.VerifySignature(secret, body, ""))
	assert.False(t, reconcile.VerifySignature(secret, body, "sha256=zz"))
	assert.False(t, reconcile.VerifySignature("", body, reconcile.Sign("", body)))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	env.Agents.Reply("agent-1", questionsOutput)
	env.Hub.Reset()

	body := []byte(`{"id":"evt-1","type":"message.created","agent":{"id":"agent-1","status":"FINISHED"}}`)
	for _, sig := range []string{"", reconcile.Sign("wrong", body), "sha256=00"} {
		_, err := env.Reconciler.HandleWebhook(env.Ctx, body, sig)
		require.ErrorIs(t, err, reconcile.ErrUnauthorized)
	}

	assert.Equal(t, domain.StatusCollectingRequirements, env.get(t, o.ID).Status)
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCreating, run.Status)
	assert.Empty(t, run.LastEvent)
	assert.Empty(t, env.Hub.Events())
	seen, err := env.Engine.Repo.DeliverySeen(env.Ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestWebhookInvalidPayload(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	for _, body := range []string{`not json`, `{"type":"completed"}`} {
		_, err := env.Reconciler.HandleWebhook(env.Ctx, []byte(body), reconcile.Sign(secret, []byte(body)))
		assert.ErrorIs(t, err, reconcile.ErrInvalidPayload, body)
	}
}

func TestWebhookUnknownAgentIsDropped(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	result, err := env.deliver(t, map[string]any{"agent": map[string]any{"id": "ghost", "status": "RUNNING"}})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultUnknownAgent, result)
	assert.Empty(t, env.Hub.Events())
}

func TestWebhookQuestionsThenAnswers(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	env.Agents.Reply("agent-1", questionsOutput)

	result, err := env.deliver(t, map[string]any{
		"id": "evt-1", "type": "message.created",
		"agent": map[string]any{"id": "agent-1", "status": "FINISHED"},
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultAccepted, result)

	o = env.get(t, o.ID)
	assert.Equal(t, domain.StatusAwaitingUser, o.Status)
	assert.Len(t, env.Hub.OfType(hub.EventOrchestrationQuestion), 1)
	assert.Len(t, env.Hub.OfType(hub.EventAgentMessage), 1)

	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunWaitingForUser, run.Status)
	assert.Contains(t, string(run.LastEvent), `"evt-1"`)

	o, err = env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, map[string]string{"q1": "All pages"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanning, o.Status)
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Answer 1 (question q1): All pages", msgs[len(msgs)-1].Content)
}

func TestWebhookDrivesSoloPlanToCompletion(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	env.Agents.Reply("agent-1", soloPlan)

	_, err := env.deliver(t, map[string]any{
		"id": "evt-1", "type": "statusChange",
		"agent": map[string]any{"id": "agent-1", "status": "FINISHED"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusAwaitingApproval, env.get(t, o.ID).Status)

	o, err = env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExecuting, o.Status)
	runs, err := env.Engine.Repo.ListSubAgentRuns(env.Ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "agent-2", runs[0].ExternalID())

	completed := map[string]any{"agent": map[string]any{"id": runs[0].ExternalID(), "status": "COMPLETED"}}
	_, err = env.deliver(t, completed)
	require.NoError(t, err)
	o = env.get(t, o.ID)
	assert.Equal(t, domain.StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)
	completedAt := *o.CompletedAt

	_, err = env.deliver(t, completed)
	require.NoError(t, err)
	o = env.get(t, o.ID)
	assert.Equal(t, completedAt, *o.CompletedAt)
	assert.Equal(t, 1, statusEvents(env, runs[0].ID))
	assert.Len(t, env.Hub.OfType(hub.EventOrchestrationCompleted), 1)

	events, err := env.Engine.Repo.ListEvents(env.Ctx, o.ID, "run.status_changed", 50, 0)
	require.NoError(t, err)
	writes := 0
	for _, ev := range events {
		if ev.EntityID == runs[0].ID {
			writes++
		}
	}
	assert.Equal(t, 1, writes)
}

func TestWebhookRedeliveryIsIgnored(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	delivery := map[string]any{
		"id": "evt-7", "type": "message.created",
		"agent": map[string]any{"id": "agent-1", "status": "RUNNING"},
		"data":  map[string]any{"text": "Looking at the repository"},
	}

	result, err := env.deliver(t, delivery)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultAccepted, result)
	result, err = env.deliver(t, delivery)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultDuplicate, result)

	n, err := env.Engine.Repo.CountMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, env.Hub.OfType(hub.EventAgentMessage), 1)
}

func TestWebhookMessagesDedupeByExternalID(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	for _, id := range []string{"evt-1", "evt-2"} {
		_, err := env.deliver(t, map[string]any{
			"id": id, "type": "message.created",
			"agent": map[string]any{"id": "agent-1"},
			"data":  map[string]any{"message": map[string]any{"id": "m-1", "type": "assistant_message", "text": "Reading code"}},
		})
		require.NoError(t, err)
	}
	n, err := env.Engine.Repo.CountMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWebhookFailedSubAgentFailsOrchestration(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	env.Agents.Reply("agent-1", soloPlan)
	_, err := env.deliver(t, map[string]any{"type": "completed", "agent": map[string]any{"id": "agent-1"}})
	require.NoError(t, err)
	_, err = env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	agentID := env.subAgentID(t, o.ID)

	_, err = env.deliver(t, map[string]any{"type": "failed", "agent": map[string]any{"id": agentID}})
	require.NoError(t, err)
	o = env.get(t, o.ID)
	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.NotEmpty(t, o.FailureReason)
}

func TestPollDrivesOrchestrationToCompletion(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{PollInterval: 5 * time.Millisecond, MaxAttempts: 1000, Poll: true})
	o := env.create(t)
	require.Eventually(t, func() bool { return env.Supervisor.Len() == 1 }, time.Second, 5*time.Millisecond)

	env.Agents.Reply("agent-1", soloPlan)
	env.Agents.SetStatus("agent-1", "FINISHED")
	require.Eventually(t, func() bool {
		return env.get(t, o.ID).Status == domain.StatusAwaitingApproval
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.Supervisor.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	agentID := env.subAgentID(t, o.ID)
	env.Agents.SetStatus(agentID, "RUNNING")
	require.Eventually(t, func() bool {
		runs, err := env.Engine.Repo.ListSubAgentRuns(env.Ctx, o.ID)
		return err == nil && len(runs) == 1 && runs[0].Status == domain.RunRunning
	}, 2*time.Second, 5*time.Millisecond)

	env.Agents.SetStatus(agentID, "FINISHED")
	require.Eventually(t, func() bool {
		return env.get(t, o.ID).Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.Supervisor.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, len(env.Hub.OfType(hub.EventAgentStatus)), 3)
}

func TestPollGivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{PollInterval: time.Millisecond, MaxAttempts: 3})
	o := env.create(t)
	env.Agents.SetStatus("agent-1", "RUNNING")
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)

	err = env.Reconciler.Poll(env.Ctx, o.ID, run.ID)
	var pe *reconcile.PollError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, reconcile.ErrPollTimeout)
	assert.Equal(t, o.ID, pe.OrchestrationID)
	assert.Equal(t, 3, env.Agents.Gets())
}

func TestPollRetriesAfterAgentErrors(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{PollInterval: time.Millisecond, MaxAttempts: 2})
	o := env.create(t)
	env.Agents.GetErr = errors.New("connection reset")
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)

	err = env.Reconciler.Poll(env.Ctx, o.ID, run.ID)
	assert.ErrorIs(t, err, reconcile.ErrPollTimeout)
	assert.Equal(t, 2, env.Agents.Gets())
	assert.Equal(t, domain.StatusCollectingRequirements, env.get(t, o.ID).Status)
}

func TestPollOnceStopsForEndedOrchestration(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)
	_, err = env.Engine.Cancel(env.Ctx, o.ID, owner)
	require.NoError(t, err)

	done, err := env.Reconciler.PollOnce(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Zero(t, env.Agents.Gets())
}

func TestPollStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{PollInterval: time.Hour, MaxAttempts: 5})
	o := env.create(t)
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	assert.ErrorIs(t, env.Reconciler.Poll(ctx, o.ID, run.ID), context.Canceled)
}

type panickingAgents struct {
	*agentfake.Fake
}

func (panickingAgents) GetAgent(ctx context.Context, id string) (agentclient.Agent, error) {
	panic("decode agent: unexpected nil map")
}

func TestPollPanicBecomesPollError(t *testing.T) {
	env := newTestEnv(t, reconcile.Options{})
	o := env.create(t)
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, o.ID)
	require.NoError(t, err)
	env.Engine.Agents = panickingAgents{env.Agents}
	rec := reconcile.New(env.Engine, env.Supervisor, nil, reconcile.Options{PollInterval: time.Millisecond, MaxAttempts: 3})

	err = rec.Poll(env.Ctx, o.ID, run.ID)
	var pe *reconcile.PollError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, reconcile.ErrPollPanic)
	assert.Contains(t, err.Error(), "unexpected nil map")
	assert.Equal(t, o.ID, pe.OrchestrationID)
	assert.Equal(t, run.ID, pe.RunID)
}
