// Package agentclient is a typed client for the external coding-agent service.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Recorder observes agent API calls. A nil Recorder is ignored.
type Recorder interface {
	ObserveAgentCall(operation string, err error, duration time.Duration)
}

// Client calls the agent service. It holds no orchestration state and never retries.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Recorder   Recorder
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 30 * time.Second,
	}
}

// AgentSpec describes an agent to launch.
type AgentSpec struct {
	Prompt        string
	Repository    string
	Ref           string
	BranchName    string
	AutoCreatePR  bool
	WebhookURL    string
	WebhookSecret string
	Metadata      map[string]string
}

// Agent is the service's view of a launched agent.
type Agent struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Status    string       `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	Source    *AgentSource `json:"source,omitempty"`
	Target    *AgentTarget `json:"target,omitempty"`
	CreatedAt string       `json:"createdAt,omitempty"`
}

type AgentSource struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

type AgentTarget struct {
	BranchName   string `json:"branchName,omitempty"`
	URL          string `json:"url,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	AutoCreatePR bool   `json:"autoCreatePr,omitempty"`
}

// ConversationMessage is one entry of an agent's conversation.
type ConversationMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	MessageUser      = "user_message"
	MessageAssistant = "assistant_message"
	MessageSystem    = "system_message"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent api error: status=%d body=%s", e.StatusCode, e.Body)
}

type promptBody struct {
	Text string `json:"text"`
}

type createBody struct {
	Prompt   promptBody        `json:"prompt"`
	Source   AgentSource       `json:"source"`
	Target   *AgentTarget      `json:"target,omitempty"`
	Webhook  *webhookBody      `json:"webhook,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type webhookBody struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// CreateAgent launches an agent.
func (c *Client) CreateAgent(ctx context.Context, spec AgentSpec) (Agent, error) {
	body := createBody{
		Prompt:   promptBody{Text: spec.Prompt},
		Source:   AgentSource{Repository: spec.Repository, Ref: spec.Ref},
		Metadata: spec.Metadata,
	}
	if spec.BranchName != "" || spec.AutoCreatePR {
		body.Target = &AgentTarget{BranchName: spec.BranchName, AutoCreatePR: spec.AutoCreatePR}
	}
	if spec.WebhookURL != "" {
		body.Webhook = &webhookBody{URL: spec.WebhookURL, Secret: spec.WebhookSecret}
	}
	var resp Agent
	err := c.do(ctx, "create", http.MethodPost, "agents", body, &resp)
	return resp, err
}

// GetAgent fetches the agent's current status.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, "get", http.MethodGet, "agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GetConversation returns the agent's conversation in order.
func (c *Client) GetConversation(ctx context.Context, id string) ([]ConversationMessage, error) {
	var resp struct {
		ID       string                `json:"id"`
		Messages []ConversationMessage `json:"messages"`
	}
	err := c.do(ctx, "conversation", http.MethodGet, "agents/"+url.PathEscape(id)+"/conversation", nil, &resp)
	return resp.Messages, err
}

// SendFollowup sends another prompt to a running or finished agent.
func (c *Client) SendFollowup(ctx context.Context, id, text string) error {
	body := map[string]any{"prompt": promptBody{Text: text}}
	return c.do(ctx, "followup", http.MethodPost, "agents/"+url.PathEscape(id)+"/followup", body, nil)
}

// CancelAgent stops an agent.
func (c *Client) CancelAgent(ctx context.Context, id string) error {
	return c.do(ctx, "cancel", http.MethodPost, "agents/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) (err error) {
	if c.Recorder != nil {
		start := time.Now()
		defer func() { c.Recorder.ObserveAgentCall(op, err, time.Since(start)) }()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent api %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}
