package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/agentclient/agentfake"
	"featurepilot/internal/agentoutput"
	"featurepilot/internal/config"
	"featurepilot/internal/db"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/hub"
	"featurepilot/internal/migrate"
	"featurepilot/internal/repo"
)

const owner = "user-1"

const questionsOutput = `Let me clarify first.
{"type":"follow_up_questions","questions":[
  {"id":"q1","question":"Which UI framework?","required":true},
  {"id":"q2","question":"Any deadline?","required":false}]}`

const parallelPlan = `{"type":"plan","plan":{"primaryObjective":"Dark mode","summary":"Tokens and toggle",
 "steps":[{"id":"s1","title":"Tokens","description":"Color tokens","deliverables":["tokens.css"]}],
 "subAgents":[
  {"id":"ui","name":"UI","scope":"frontend","instructions":"Toggle","tasks":[{"id":"t1","title":"Toggle","details":"Switch","acceptanceCriteria":["persists"]}]},
  {"id":"api","name":"API","scope":"backend","instructions":"Prefs","tasks":[{"id":"t2","title":"Prefs","details":"Store","acceptanceCriteria":["saved"]}]}]}}`

const dependentPlan = `{"type":"plan","plan":{"primaryObjective":"Dark mode","summary":"Toggle then docs",
 "steps":[{"id":"s1","title":"Tokens","description":"Color tokens","deliverables":["tokens.css"]}],
 "subAgents":[
  {"id":"ui","name":"UI","scope":"frontend","instructions":"Toggle","tasks":[{"id":"t1","title":"Toggle","details":"Switch","acceptanceCriteria":["persists"]}]},
  {"id":"docs","name":"Docs","scope":"docs","instructions":"Document","dependsOn":["ui"],"tasks":[{"id":"t2","title":"README","details":"Explain","acceptanceCriteria":["section"]}]}]}}`

const soloPlan = `{"type":"plan","plan":{"primaryObjective":"Fix typo","summary":"One line",
 "steps":[{"id":"s1","title":"Edit","description":"Fix it","deliverables":["README.md"]}],"subAgents":[]}}`

type watchRecorder struct {
	mu   sync.Mutex
	runs []string
}

func (w *watchRecorder) Watch(orchestrationID, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs = append(w.runs, runID)
}

func (w *watchRecorder) watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.runs...)
}

type testEnv struct {
	Engine  *engine.Engine
	Agents  *agentfake.Fake
	Hub     *hub.Capture
	Watcher *watchRecorder
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	agents := agentfake.New()
	pub := &hub.Capture{}
	eng := engine.New(conn, config.Default(), agents, pub)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	w := &watchRecorder{}
	eng.Watcher = w
	return testEnv{Engine: eng, Agents: agents, Hub: pub, Watcher: w, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T) domain.Orchestration {
	t.Helper()
	o, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		OwnerID:       owner,
		Title:         "Dark mode",
		Description:   "Add a theme toggle",
		RepositoryURL: "https://github.com/acme/shop",
		RepositoryRef: "main",
	})
	require.NoError(t, err)
	return o
}

func (env testEnv) orchestratorRun(t *testing.T, id string) domain.AgentRun {
	t.Helper()
	run, err := env.Engine.Repo.GetOrchestratorRun(env.Ctx, id)
	require.NoError(t, err)
	return run
}

func (env testEnv) output(t *testing.T, id, text string) domain.Orchestration {
	t.Helper()
	require.NoError(t, env.Engine.HandleAgentOutput(env.Ctx, env.orchestratorRun(t, id).ID, text))
	o, err := env.Engine.Get(env.Ctx, id, owner)
	require.NoError(t, err)
	return o
}

func (env testEnv) executing(t *testing.T, plan string) domain.Orchestration {
	t.Helper()
	o := env.create(t)
	env.output(t, o.ID, plan)
	o, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExecuting, o.Status)
	return o
}

func (env testEnv) subRuns(t *testing.T, id string) map[string]domain.AgentRun {
	t.Helper()
	runs, err := env.Engine.Repo.ListSubAgentRuns(env.Ctx, id)
	require.NoError(t, err)
	res := make(map[string]domain.AgentRun, len(runs))
	for _, r := range runs {
		res[r.SubAgentKey] = r
	}
	return res
}

func (env testEnv) settle(t *testing.T, run domain.AgentRun, status domain.RunStatus) {
	t.Helper()
	res, err := env.Engine.RecordRunUpdate(env.Ctx, engine.RunUpdate{RunID: run.ID, Status: status})
	require.NoError(t, err)
	require.True(t, res.StatusChanged)
	require.NoError(t, env.Engine.OnRunChanged(env.Ctx, run.ID))
}

func TestCreateStartsOrchestrator(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)

	assert.Equal(t, domain.StatusCollectingRequirements, o.Status)
	assert.False(t, o.PlanAccepted)

	run := env.orchestratorRun(t, o.ID)
	assert.Equal(t, domain.AgentOrchestrator, run.AgentType)
	assert.Equal(t, domain.RunCreating, run.Status)
	assert.Equal(t, "agent-1", run.ExternalID())

	created := env.Agents.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "https://github.com/acme/shop", created[0].Repository)
	assert.Contains(t, created[0].Prompt, "Reply with exactly one JSON object")
	assert.Equal(t, o.ID, created[0].Metadata["orchestrationId"])

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Dark mode\n\nAdd a theme toggle", msgs[0].Content)

	updates := env.Hub.OfType(hub.EventOrchestrationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, owner, updates[0].UserID)
	assert.Equal(t, []string{run.ID}, env.Watcher.watched())
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{OwnerID: owner, RepositoryURL: "https://x"})
	var ve *engine.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "title", ve.Field)
	assert.Empty(t, env.Agents.Created())
}

func TestCreateAgentFailureStoresFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Agents.CreateErr = &agentclient.APIError{StatusCode: 503, Body: "down"}

	o, err := env.Engine.Create(env.Ctx, engine.CreateOptions{OwnerID: owner, Title: "x", RepositoryURL: "https://x"})
	var apiErr *agentclient.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, domain.StatusFailed, o.Status)

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "status=503")
	assert.Equal(t, domain.RunFailed, env.orchestratorRun(t, o.ID).Status)
	assert.Len(t, env.Hub.OfType(hub.EventOrchestrationError), 1)
	assert.Empty(t, env.Watcher.watched())
}

func TestQuestionsThenAnswers(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)

	o = env.output(t, o.ID, questionsOutput)
	assert.Equal(t, domain.StatusAwaitingUser, o.Status)
	questions, err := agentoutput.QuestionsFromPayload(o.PlanPayload)
	require.NoError(t, err)
	assert.Len(t, questions, 2)
	assert.Equal(t, domain.RunWaitingForUser, env.orchestratorRun(t, o.ID).Status)
	require.Len(t, env.Hub.OfType(hub.EventOrchestrationQuestion), 1)

	o, err = env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, map[string]string{"q1": "React", "q2": "Friday"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanning, o.Status)
	assert.Equal(t, domain.RunRunning, env.orchestratorRun(t, o.ID).Status)

	followups := env.Agents.Followups()
	require.Len(t, followups, 1)
	assert.Equal(t, "agent-1", followups[0].AgentID)
	assert.Contains(t, followups[0].Text, "Answer 1 (question q1): React\nAnswer 2 (question q2): Friday")

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Answer 1 (question q1): React", msgs[1].Content)
	assert.Equal(t, "Answer 2 (question q2): Friday", msgs[2].Content)

	// The orchestrator may answer the follow-up with a plan.
	o = env.output(t, o.ID, parallelPlan)
	assert.Equal(t, domain.StatusAwaitingApproval, o.Status)
	_, err = agentoutput.PlanFromPayload(o.PlanPayload)
	assert.NoError(t, err)
	require.Len(t, env.Hub.OfType(hub.EventOrchestrationPlanReady), 1)
}

func TestSubmitAnswersRejectedOutsideAwaitingUser(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.Hub.Reset()

	_, err := env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, map[string]string{"q1": "x"})
	require.ErrorIs(t, err, engine.ErrInvalidState)

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCollectingRequirements, stored.Status)
	n, err := env.Engine.Repo.CountMessages(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, env.Agents.Followups())
	assert.Empty(t, env.Hub.Events())
}

func TestSubmitAnswersValidation(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, questionsOutput)

	cases := map[string]map[string]string{
		"unknown question":  {"q1": "React", "q9": "?"},
		"required missing":  {"q2": "Friday"},
		"required is blank": {"q1": "  "},
		"nothing answered":  {},
	}
	for name, answers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, answers)
			var ve *engine.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}
	assert.Empty(t, env.Agents.Followups())
}

func TestSubmitAnswersFollowupFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, questionsOutput)
	env.Agents.FollowupErr = &agentclient.APIError{StatusCode: 500}

	_, err := env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, map[string]string{"q1": "React"})
	require.Error(t, err)
	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingUser, stored.Status)
}

func TestUnparseableOutputChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.Hub.Reset()

	err := env.Engine.HandleAgentOutput(env.Ctx, env.orchestratorRun(t, o.ID).ID, `Here you go: {"type":"plan","plan":{"summary":"no steps"}}`)
	var pe *agentoutput.ParseError
	require.True(t, errors.As(err, &pe))

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCollectingRequirements, stored.Status)
	assert.Empty(t, stored.PlanPayload)
	assert.Equal(t, domain.RunCreating, env.orchestratorRun(t, o.ID).Status)
	assert.Empty(t, env.Hub.Events())
}

func TestOutputIgnoredOutsidePlanning(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, questionsOutput)

	// A second question set while the user is answering is ignored.
	o = env.output(t, o.ID, parallelPlan)
	assert.Equal(t, domain.StatusAwaitingUser, o.Status)
}

func TestAcceptPlanFansOut(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, parallelPlan)
	orchRun := env.orchestratorRun(t, o.ID)

	_, err := env.Engine.SubmitAnswers(env.Ctx, o.ID, owner, map[string]string{"q1": "x"})
	require.ErrorIs(t, err, engine.ErrInvalidState)

	o, err = env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, o.Status)
	assert.True(t, o.PlanAccepted)
	_, err = agentoutput.PlanFromPayload(o.PlanPayload)
	require.NoError(t, err)

	runs := env.subRuns(t, o.ID)
	require.Len(t, runs, 2)
	for key, run := range runs {
		require.NotNil(t, run.ParentRunID, key)
		assert.Equal(t, orchRun.ID, *run.ParentRunID)
		assert.NotEmpty(t, run.ExternalID())
		assert.Equal(t, domain.AgentSubAgent, run.AgentType)
		var sub domain.SubAgent
		require.NoError(t, json.Unmarshal(run.PlanPayload, &sub))
		assert.Equal(t, key, sub.ID)
	}
	assert.Equal(t, domain.RunCompleted, env.orchestratorRun(t, o.ID).Status)

	created := env.Agents.Created()
	require.Len(t, created, 3)
	assert.True(t, strings.HasPrefix(created[1].BranchName, "featurepilot/"))
	assert.True(t, created[1].AutoCreatePR)

	events, err := env.Engine.Repo.ListEvents(env.Ctx, o.ID, "orchestration.status_changed", 20, 0)
	require.NoError(t, err)
	var seen []string
	for _, ev := range events {
		seen = append(seen, ev.Payload)
	}
	assert.Contains(t, strings.Join(seen, "\n"), `"to":"APPROVED"`)

	again, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, again.Status)
	assert.Len(t, env.Agents.Created(), 3)
	assert.Len(t, env.subRuns(t, o.ID), 2)
}

func TestAcceptPlanWithoutSubAgentsCreatesOneRun(t *testing.T) {
	env := newTestEnv(t)
	o := env.executing(t, soloPlan)
	runs := env.subRuns(t, o.ID)
	require.Len(t, runs, 1)
	run := runs[""]
	assert.NotEmpty(t, run.ExternalID())
	var plan domain.Plan
	require.NoError(t, json.Unmarshal(run.PlanPayload, &plan))
	assert.Equal(t, "Fix typo", plan.PrimaryObjective)
	assert.Contains(t, env.Agents.Created()[1].Prompt, "only agent executing this plan")
}

func TestAcceptPlanRollsBackWhenARunCannotBeStored(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, parallelPlan)
	// Two agents with the same id violate the unique external id.
	env.Agents.FixedID = "dup"

	_, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	require.Error(t, err)

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, stored.Status)
	assert.False(t, stored.PlanAccepted)
	assert.Empty(t, env.subRuns(t, o.ID))
	assert.Equal(t, domain.RunWaitingForUser, env.orchestratorRun(t, o.ID).Status)
	assert.Contains(t, env.Agents.Cancelled(), "dup")
}

func TestAcceptPlanCreateFailureFailsOrchestration(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.output(t, o.ID, parallelPlan)
	env.Agents.FailCreateAfter = 2

	_, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	var apiErr *agentclient.APIError
	require.True(t, errors.As(err, &apiErr))

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "create sub-agent api")
	assert.Contains(t, env.Agents.Cancelled(), "agent-2")
	assert.Empty(t, env.subRuns(t, o.ID))
}

func TestAcceptPlanRequiresAwaitingApproval(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	_, err := env.Engine.AcceptPlan(env.Ctx, o.ID, owner)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestDependentSubAgentStartsWhenDependencyCompletes(t *testing.T) {
	env := newTestEnv(t)
	o := env.executing(t, dependentPlan)

	runs := env.subRuns(t, o.ID)
	require.Len(t, runs, 2)
	assert.NotEmpty(t, runs["ui"].ExternalID())
	assert.Empty(t, runs["docs"].ExternalID())
	assert.Equal(t, domain.RunQueued, runs["docs"].Status)
	assert.Equal(t, []string{"ui"}, runs["docs"].DependsOn)
	assert.Len(t, env.Agents.Created(), 2)

	env.settle(t, runs["ui"], domain.RunCompleted)
	runs = env.subRuns(t, o.ID)
	assert.NotEmpty(t, runs["docs"].ExternalID())
	assert.Contains(t, env.Watcher.watched(), runs["docs"].ID)
	assert.Contains(t, env.Agents.Created()[2].Prompt, "Your role: Docs")

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, stored.Status)

	env.settle(t, runs["docs"], domain.RunCompleted)
	stored, err = env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	done := env.Hub.OfType(hub.EventOrchestrationCompleted)
	require.Len(t, done, 1)
	payload := done[0].Event.Payload.(map[string]any)
	assert.Equal(t, domain.StatusCompleted, payload["status"])
}

func TestSubAgentFailureFailsOrchestration(t *testing.T) {
	env := newTestEnv(t)
	o := env.executing(t, parallelPlan)
	runs := env.subRuns(t, o.ID)

	env.settle(t, runs["ui"], domain.RunFailed)

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "sub-agent ui failed")

	api := env.subRuns(t, o.ID)["api"]
	assert.Equal(t, domain.RunFailed, api.Status)
	assert.Equal(t, true, api.Metadata["cancelled"])
	assert.Contains(t, env.Agents.Cancelled(), runs["api"].ExternalID())

	done := env.Hub.OfType(hub.EventOrchestrationCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, domain.StatusFailed, done[0].Event.Payload.(map[string]any)["status"])

	// Terminal orchestrations and runs stay put.
	res, err := env.Engine.RecordRunUpdate(env.Ctx, engine.RunUpdate{RunID: runs["ui"].ID, Status: domain.RunCompleted})
	require.NoError(t, err)
	assert.False(t, res.StatusChanged)
}

func TestOrchestratorFailureFailsPlanning(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.settle(t, env.orchestratorRun(t, o.ID), domain.RunFailed)

	stored, err := env.Engine.Get(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Len(t, env.Hub.OfType(hub.EventOrchestrationError), 1)
}

func TestRecordRunUpdateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	run := env.orchestratorRun(t, o.ID)
	update := engine.RunUpdate{
		RunID:  run.ID,
		Status: domain.RunRunning,
		Messages: []engine.IncomingMessage{
			{ExternalID: "m1", Role: domain.RoleAssistant, Content: "working"},
		},
	}

	first, err := env.Engine.RecordRunUpdate(env.Ctx, update)
	require.NoError(t, err)
	assert.True(t, first.StatusChanged)
	assert.Equal(t, domain.RunCreating, first.Previous)
	assert.Len(t, first.Inserted, 1)
	assert.Equal(t, owner, first.OwnerID)

	second, err := env.Engine.RecordRunUpdate(env.Ctx, update)
	require.NoError(t, err)
	assert.False(t, second.StatusChanged)
	assert.Empty(t, second.Inserted)

	events, err := env.Engine.Repo.ListEvents(env.Ctx, o.ID, "run.status_changed", 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCancelStopsLiveRuns(t *testing.T) {
	env := newTestEnv(t)
	o := env.executing(t, dependentPlan)

	o, err := env.Engine.Cancel(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, o.Status)

	for key, run := range env.subRuns(t, o.ID) {
		assert.Equal(t, domain.RunFailed, run.Status, key)
		assert.Equal(t, true, run.Metadata["cancelled"], key)
	}
	// Only the started sub-agent has a remote agent to cancel.
	assert.Equal(t, []string{"agent-2"}, env.Agents.Cancelled())

	_, err = env.Engine.Cancel(env.Ctx, o.ID, owner)
	assert.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestCancelToleratesAgentErrors(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)
	env.Agents.CancelErr = errors.New("boom")

	o, err := env.Engine.Cancel(env.Ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, o.Status)
	assert.Equal(t, domain.RunFailed, env.orchestratorRun(t, o.ID).Status)
}

func TestDeleteCancelsThenRemoves(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)

	require.NoError(t, env.Engine.Delete(env.Ctx, o.ID, owner))
	_, err := env.Engine.Get(env.Ctx, o.ID, owner)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, []string{"agent-1"}, env.Agents.Cancelled())

	runs, err := env.Engine.Repo.ListRuns(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	deleted, err := env.Engine.Repo.ListEvents(env.Ctx, "", "orchestration.deleted", 10, 0)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, o.ID, deleted[0].EntityID)
}

func TestOrchestrationsAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	o := env.create(t)

	_, err := env.Engine.Get(env.Ctx, o.ID, "someone-else")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Cancel(env.Ctx, o.ID, "someone-else")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Get(env.Ctx, o.ID, "")
	assert.NoError(t, err)
}
