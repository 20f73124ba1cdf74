package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	op  string
	err error
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeRecorder) ObserveAgentCall(op string, err error, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{op: op, err: err})
}

func TestCreateAgentSendsSpec(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/agents", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"bc_1","status":"CREATING","target":{"branchName":"fp/x"}}`))
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	c := New(srv.URL, "key-1")
	c.Recorder = rec
	agent, err := c.CreateAgent(context.Background(), AgentSpec{
		Prompt:        "do it",
		Repository:    "https://github.com/acme/app",
		Ref:           "main",
		BranchName:    "fp/x",
		AutoCreatePR:  true,
		WebhookURL:    "https://hooks.example.com/agent",
		WebhookSecret: "s3cret",
		Metadata:      map[string]string{"orchestrationId": "o1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bc_1", agent.ID)
	assert.Equal(t, "CREATING", agent.Status)

	assert.Equal(t, map[string]any{"text": "do it"}, got["prompt"])
	assert.Equal(t, map[string]any{"repository": "https://github.com/acme/app", "ref": "main"}, got["source"])
	assert.Equal(t, map[string]any{"url": "https://hooks.example.com/agent", "secret": "s3cret"}, got["webhook"])
	target := got["target"].(map[string]any)
	assert.Equal(t, "fp/x", target["branchName"])
	assert.Equal(t, true, target["autoCreatePr"])

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "create", rec.calls[0].op)
	assert.NoError(t, rec.calls[0].err)
}

func TestCreateAgentOmitsWebhookWhenUnset(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"bc_2","status":"RUNNING"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CreateAgent(context.Background(), AgentSpec{Prompt: "p", Repository: "r"})
	require.NoError(t, err)
	_, hasWebhook := got["webhook"]
	_, hasTarget := got["target"]
	assert.False(t, hasWebhook)
	assert.False(t, hasTarget)
}

func TestNon2xxReturnsAPIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	c := New(srv.URL, "k")
	c.Recorder = rec
	_, err := c.GetAgent(context.Background(), "bc_1")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "rate limited")
	assert.Equal(t, 1, calls, "client must not retry")
	require.Len(t, rec.calls, 1)
	assert.Error(t, rec.calls[0].err)
}

func TestConversationFollowupCancel(t *testing.T) {
	var followup map[string]any
	cancelled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/bc_9/conversation", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"bc_9","messages":[{"id":"m1","type":"user_message","text":"hi"},{"id":"m2","type":"assistant_message","text":"{\"type\":\"plan\"}"}]}`))
	})
	mux.HandleFunc("/agents/bc_9/followup", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&followup))
		_, _ = w.Write([]byte(`{"id":"bc_9"}`))
	})
	mux.HandleFunc("/agents/bc_9/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelled = r.Method == http.MethodPost
		_, _ = w.Write([]byte(`{"id":"bc_9"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL+"/", "k")
	msgs, err := c.GetConversation(context.Background(), "bc_9")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageAssistant, msgs[1].Type)

	require.NoError(t, c.SendFollowup(context.Background(), "bc_9", "Answer 1"))
	assert.Equal(t, map[string]any{"text": "Answer 1"}, followup["prompt"])

	require.NoError(t, c.CancelAgent(context.Background(), "bc_9"))
	assert.True(t, cancelled)
}
