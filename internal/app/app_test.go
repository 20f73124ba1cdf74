package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/agentclient/agentfake"
	"featurepilot/internal/config"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/reconcile"
)

func newTestApp(t *testing.T, cfg *config.Config) (*App, *agentfake.Fake) {
	t.Helper()
	agents := agentfake.New()
	a, err := New(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Agents: agents})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, agents
}

func TestNewServesHealth(t *testing.T) {
	a, _ := newTestApp(t, config.Default())

	rr := httptest.NewRecorder()
	a.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestWebhookRouteFollowsConfig(t *testing.T) {
	a, _ := newTestApp(t, config.Default())
	rr := httptest.NewRecorder()
	a.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/agent", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	cfg := config.Default()
	cfg.Webhook.URL = "https://pilot.example.com/v1/webhooks/agent"
	cfg.Webhook.Secret = "s"
	a, _ = newTestApp(t, cfg)
	rr = httptest.NewRecorder()
	a.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/webhooks/agent", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPollErrorFailsOrchestration(t *testing.T) {
	a, _ := newTestApp(t, config.Default())
	ctx := context.Background()
	o, err := a.Engine.Create(ctx, engine.CreateOptions{
		OwnerID:       "alice",
		Title:         "Add dark mode",
		RepositoryURL: "https://github.com/acme/shop",
	})
	require.NoError(t, err)

	onErr := failOnPollError(a.Engine, a.Log)
	onErr("poll:x", &reconcile.PollError{OrchestrationID: o.ID, RunID: "x", Err: reconcile.ErrPollTimeout})
	onErr("other", errors.New("ignored"))

	got, err := a.Engine.Get(ctx, o.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "agent polling stopped")
}

type panickingAgents struct {
	*agentfake.Fake
}

func (panickingAgents) GetAgent(ctx context.Context, id string) (agentclient.Agent, error) {
	panic("decode agent: unexpected nil map")
}

func TestPollPanicFailsOrchestration(t *testing.T) {
	cfg := config.Default()
	cfg.Poll.IntervalSeconds = 1
	a, err := New(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Agents:    panickingAgents{agentfake.New()},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	ctx := context.Background()
	o, err := a.Engine.Create(ctx, engine.CreateOptions{
		OwnerID:       "alice",
		Title:         "Add dark mode",
		RepositoryURL: "https://github.com/acme/shop",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := a.Engine.Get(ctx, o.ID, "alice")
		return err == nil && got.Status == domain.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	got, err := a.Engine.Get(ctx, o.ID, "alice")
	require.NoError(t, err)
	assert.Contains(t, got.FailureReason, "poll panicked")
	require.Eventually(t, func() bool { return a.Supervisor.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	var buf bytes.Buffer
	log := NewLogger(cfg, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
