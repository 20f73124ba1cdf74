package domain

import "encoding/json"

type OrchestrationStatus string

const (
	StatusPending                OrchestrationStatus = "PENDING"
	StatusCollectingRequirements OrchestrationStatus = "COLLECTING_REQUIREMENTS"
	StatusAwaitingUser           OrchestrationStatus = "AWAITING_USER"
	StatusPlanning               OrchestrationStatus = "PLANNING"
	StatusAwaitingApproval       OrchestrationStatus = "AWAITING_APPROVAL"
	StatusApproved               OrchestrationStatus = "APPROVED"
	StatusExecuting              OrchestrationStatus = "EXECUTING"
	StatusCompleted              OrchestrationStatus = "COMPLETED"
	StatusFailed                 OrchestrationStatus = "FAILED"
	StatusCancelled              OrchestrationStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s OrchestrationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type AgentType string

const (
	AgentOrchestrator AgentType = "ORCHESTRATOR"
	AgentSubAgent     AgentType = "SUB_AGENT"
)

type RunStatus string

const (
	RunCreating       RunStatus = "CREATING"
	RunQueued         RunStatus = "QUEUED"
	RunRunning        RunStatus = "RUNNING"
	RunWaitingForUser RunStatus = "WAITING_FOR_USER"
	RunCompleted      RunStatus = "COMPLETED"
	RunFailed         RunStatus = "FAILED"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type MessageRole string

const (
	RoleSystem    MessageRole = "SYSTEM"
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleTool      MessageRole = "TOOL"
)

type Orchestration struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"owner_id"`
	RepositoryURL string              `json:"repository_url"`
	RepositoryRef string              `json:"repository_ref"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	Status        OrchestrationStatus `json:"status" enum:"PENDING,COLLECTING_REQUIREMENTS,AWAITING_USER,PLANNING,AWAITING_APPROVAL,APPROVED,EXECUTING,COMPLETED,FAILED,CANCELLED"`
	PlanAccepted  bool                `json:"plan_accepted"`
	PlanPayload   json.RawMessage     `json:"plan_payload,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     string              `json:"created_at" format:"date-time"`
	UpdatedAt     string              `json:"updated_at" format:"date-time"`
	CompletedAt   *string             `json:"completed_at,omitempty" format:"date-time"`
}

type AgentRun struct {
	ID              string          `json:"id"`
	OrchestrationID string          `json:"orchestration_id"`
	ParentRunID     *string         `json:"parent_run_id,omitempty"`
	ExternalAgentID *string         `json:"external_agent_id,omitempty"`
	AgentType       AgentType       `json:"agent_type" enum:"ORCHESTRATOR,SUB_AGENT"`
	Status          RunStatus       `json:"status" enum:"CREATING,QUEUED,RUNNING,WAITING_FOR_USER,COMPLETED,FAILED"`
	SubAgentKey     string          `json:"sub_agent_key,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	PlanPayload     json.RawMessage `json:"plan_payload,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	LastEvent       json.RawMessage `json:"last_event,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// ExternalID returns the external agent id or "" when the agent was never created.
func (r AgentRun) ExternalID() string {
	if r.ExternalAgentID == nil {
		return ""
	}
	return *r.ExternalAgentID
}

type AgentMessage struct {
	ID              string      `json:"id"`
	OrchestrationID string      `json:"orchestration_id"`
	RunID           *string     `json:"run_id,omitempty"`
	Role            MessageRole `json:"role" enum:"SYSTEM,USER,ASSISTANT,TOOL"`
	Content         string      `json:"content"`
	ExternalID      *string     `json:"external_id,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
}

type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	OrchestrationID string `json:"orchestration_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorID         string `json:"actor_id"`
	Payload         string `json:"payload_json"`
}

// Plan is the structured execution plan produced by the orchestrator agent.
type Plan struct {
	PrimaryObjective string     `json:"primaryObjective"`
	Summary          string     `json:"summary"`
	Steps            []PlanStep `json:"steps"`
	SubAgents        []SubAgent `json:"subAgents"`
}

type PlanStep struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Deliverables []string `json:"deliverables"`
}

type SubAgent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Scope        string         `json:"scope"`
	Instructions string         `json:"instructions"`
	Tasks        []SubAgentTask `json:"tasks"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
}

type SubAgentTask struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Details            string   `json:"details"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

type Question struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	Required bool   `json:"required"`
}
