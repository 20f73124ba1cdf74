// Package agentfake is an in-memory stand-in for the agent service used by
// tests and local dry runs.
package agentfake

import (
	"context"
	"fmt"
	"sync"

	"featurepilot/internal/agentclient"
)

type Followup struct {
	AgentID string
	Text    string
}

// Fake implements the agent service operations in memory. Error fields, when
// set, are returned by the matching operation. Agents are numbered in creation
// order (agent-1, agent-2, ...) independently of message ids.
type Fake struct {
	mu            sync.Mutex
	agentSeq      int
	msgSeq        int
	agents        map[string]*agentclient.Agent
	conversations map[string][]agentclient.ConversationMessage
	created       []agentclient.AgentSpec
	followups     []Followup
	cancelled     []string
	gets          int

	CreateErr   error
	FollowupErr error
	CancelErr   error
	GetErr      error
	// FailCreateAfter makes creates fail once this many have succeeded.
	FailCreateAfter int
	// FixedID gives every created agent the same id.
	FixedID string
	// InitialStatus is the status of new agents, CREATING when empty.
	InitialStatus string
}

func New() *Fake {
	return &Fake{
		agents:        make(map[string]*agentclient.Agent),
		conversations: make(map[string][]agentclient.ConversationMessage),
	}
}

func (f *Fake) CreateAgent(ctx context.Context, spec agentclient.AgentSpec) (agentclient.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return agentclient.Agent{}, f.CreateErr
	}
	if f.FailCreateAfter > 0 && len(f.created) >= f.FailCreateAfter {
		return agentclient.Agent{}, &agentclient.APIError{StatusCode: 500, Body: "create limit reached"}
	}
	f.agentSeq++
	id := f.FixedID
	if id == "" {
		id = fmt.Sprintf("agent-%d", f.agentSeq)
	}
	status := f.InitialStatus
	if status == "" {
		status = "CREATING"
	}
	a := &agentclient.Agent{
		ID:     id,
		Status: status,
		Source: &agentclient.AgentSource{Repository: spec.Repository, Ref: spec.Ref},
	}
	if spec.BranchName != "" {
		a.Target = &agentclient.AgentTarget{BranchName: spec.BranchName, AutoCreatePR: spec.AutoCreatePR}
	}
	f.agents[id] = a
	f.created = append(f.created, spec)
	return *a, nil
}

func (f *Fake) GetAgent(ctx context.Context, id string) (agentclient.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.GetErr != nil {
		return agentclient.Agent{}, f.GetErr
	}
	a, ok := f.agents[id]
	if !ok {
		return agentclient.Agent{}, &agentclient.APIError{StatusCode: 404, Body: "agent not found"}
	}
	return *a, nil
}

func (f *Fake) GetConversation(ctx context.Context, id string) ([]agentclient.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return nil, &agentclient.APIError{StatusCode: 404, Body: "agent not found"}
	}
	return append([]agentclient.ConversationMessage(nil), f.conversations[id]...), nil
}

func (f *Fake) SendFollowup(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FollowupErr != nil {
		return f.FollowupErr
	}
	f.followups = append(f.followups, Followup{AgentID: id, Text: text})
	f.msgSeq++
	f.conversations[id] = append(f.conversations[id], agentclient.ConversationMessage{
		ID: fmt.Sprintf("msg-%d", f.msgSeq), Type: agentclient.MessageUser, Text: text,
	})
	return nil
}

func (f *Fake) CancelAgent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	if f.CancelErr != nil {
		return f.CancelErr
	}
	if a, ok := f.agents[id]; ok {
		a.Status = "CANCELLED"
	}
	return nil
}

// SetStatus changes the status GetAgent reports for id.
func (f *Fake) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[id]; ok {
		a.Status = status
	}
}

// Reply appends an assistant message to the agent's conversation.
func (f *Fake) Reply(id, text string) agentclient.ConversationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgSeq++
	msg := agentclient.ConversationMessage{ID: fmt.Sprintf("msg-%d", f.msgSeq), Type: agentclient.MessageAssistant, Text: text}
	f.conversations[id] = append(f.conversations[id], msg)
	return msg
}

func (f *Fake) Created() []agentclient.AgentSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentclient.AgentSpec(nil), f.created...)
}

func (f *Fake) Followups() []Followup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Followup(nil), f.followups...)
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Gets returns how many GetAgent calls were made.
func (f *Fake) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}
