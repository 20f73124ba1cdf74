package featurepilotsdk

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

// Client is a minimal featurepilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// UserID is sent as X-User-Id when no token is set; servers accept it
	// only with dev auth enabled.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Orchestration represents the API orchestration model (partial).
type Orchestration struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	RepositoryURL string     `json:"repository_url"`
	RepositoryRef string     `json:"repository_ref"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        string     `json:"status"`
	PlanAccepted  bool       `json:"plan_accepted"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Questions     []Question `json:"questions,omitempty"`
	Plan          *Plan      `json:"plan,omitempty"`
	Runs          []Run      `json:"runs,omitempty"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
	CompletedAt   *string    `json:"completed_at,omitempty"`
}

// Question is one clarifying question from the orchestrator agent.
type Question struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	Required bool   `json:"required"`
}

// Plan is the proposed execution plan. Steps and sub-agents are kept raw.
type Plan struct {
	PrimaryObjective string            `json:"primaryObjective"`
	Summary          string            `json:"summary"`
	Steps            []json.RawMessage `json:"steps"`
	SubAgents        []json.RawMessage `json:"subAgents"`
}

// Run is an agent working on an orchestration.
type Run struct {
	ID              string  `json:"id"`
	AgentType       string  `json:"agent_type"`
	Status          string  `json:"status"`
	SubAgentKey     string  `json:"sub_agent_key,omitempty"`
	ExternalAgentID *string `json:"external_agent_id,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts"`
	Type            string         `json:"type"`
	OrchestrationID string         `json:"orchestration_id"`
	EntityID        string         `json:"entity_id"`
	EntityKind      string         `json:"entity_kind"`
	Payload         map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateRequest describes a feature request.
type CreateRequest struct {
	Title         string
	Description   string
	RepositoryURL string
	RepositoryRef string
}

// CreateOrchestration submits a feature request.
func (c *Client) CreateOrchestration(ctx context.Context, in CreateRequest) (Orchestration, error) {
	repo := map[string]any{"url": in.RepositoryURL}
	if in.RepositoryRef != "" {
		repo["ref"] = in.RepositoryRef
	}
	body := map[string]any{
		"title":       in.Title,
		"description": in.Description,
		"repository":  repo,
	}
	var resp Orchestration
	err := c.do(ctx, http.MethodPost, "orchestrations", body, &resp)
	return resp, err
}

// ListOrchestrations returns the caller's orchestrations, optionally by status.
func (c *Client) ListOrchestrations(ctx context.Context, status string) ([]Orchestration, error) {
	endpoint := "orchestrations"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Orchestration
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOrchestration fetches an orchestration with its runs.
func (c *Client) GetOrchestration(ctx context.Context, id string) (Orchestration, error) {
	var resp Orchestration
	err := c.do(ctx, http.MethodGet, orchestrationPath(id, ""), nil, &resp)
	return resp, err
}

// SubmitAnswers answers the pending questions, keyed by question id.
func (c *Client) SubmitAnswers(ctx context.Context, id string, answers map[string]string) (Orchestration, error) {
	var resp Orchestration
	err := c.do(ctx, http.MethodPost, orchestrationPath(id, "answers"), map[string]any{"answers": answers}, &resp)
	return resp, err
}

// AcceptPlan approves the plan and starts the sub-agents.
func (c *Client) AcceptPlan(ctx context.Context, id string) (Orchestration, error) {
	var resp Orchestration
	err := c.do(ctx, http.MethodPost, orchestrationPath(id, "accept"), nil, &resp)
	return resp, err
}

// Cancel stops an orchestration and its agents.
func (c *Client) Cancel(ctx context.Context, id string) (Orchestration, error) {
	var resp Orchestration
	err := c.do(ctx, http.MethodPost, orchestrationPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Delete removes an orchestration.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, orchestrationPath(id, ""), nil, nil)
}

// Messages returns the conversation history.
func (c *Client) Messages(ctx context.Context, id string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, orchestrationPath(id, "messages"), nil, &resp)
	return resp, err
}

// EventsPage returns a page of the orchestration's audit log, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := orchestrationPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func orchestrationPath(id, action string) string {
	p := "orchestrations/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
