package server

import (
	"encoding/json"

	"featurepilot/internal/agentoutput"
	"featurepilot/internal/domain"
)

// Request payloads

type RepositoryRequest struct {
	URL string `json:"url" minLength:"1"`
	Ref string `json:"ref,omitempty"`
}

type CreateOrchestrationRequest struct {
	Title       string            `json:"title" minLength:"1"`
	Description string            `json:"description,omitempty"`
	Repository  RepositoryRequest `json:"repository"`
}

type SubmitAnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type OrchestrationResponse struct {
	domain.Orchestration
	Questions []domain.Question `json:"questions,omitempty"`
	Plan      *domain.Plan      `json:"plan,omitempty"`
}

type OrchestrationDetailResponse struct {
	OrchestrationResponse
	Runs []domain.AgentRun `json:"runs"`
}

type EventResponse struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts"`
	Type            string         `json:"type"`
	OrchestrationID string         `json:"orchestration_id,omitempty"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id,omitempty"`
	ActorID         string         `json:"actor_id"`
	Payload         map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Source string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WebhookResponse struct {
	Status string `json:"status"`
}

// orchestrationResponse decodes the stored payload into questions or a plan
// so clients need not parse it again.
func orchestrationResponse(o domain.Orchestration) OrchestrationResponse {
	res := OrchestrationResponse{Orchestration: o}
	if len(o.PlanPayload) == 0 {
		return res
	}
	out, err := agentoutput.Decode(o.PlanPayload)
	if err != nil {
		return res
	}
	switch out.Type {
	case agentoutput.TypeQuestions:
		res.Questions = out.Questions
	case agentoutput.TypePlan:
		res.Plan = out.Plan
	}
	return res
}

func mapOrchestrations(items []domain.Orchestration) []OrchestrationResponse {
	res := make([]OrchestrationResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orchestrationResponse(o))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:              e.ID,
		TS:              e.TS,
		Type:            e.Type,
		OrchestrationID: e.OrchestrationID,
		EntityKind:      e.EntityKind,
		EntityID:        e.EntityID,
		ActorID:         e.ActorID,
		Payload:         decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
