package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"featurepilot/internal/agentclient"
	"featurepilot/internal/domain"
	"featurepilot/internal/engine"
	"featurepilot/internal/repo"
)

const SignatureHeader = "X-Webhook-Signature"

// Webhook event types.
const (
	EventStatusUpdated  = "status.updated"
	EventStatusChange   = "statusChange"
	EventMessageCreated = "message.created"
	EventPlanReady      = "plan.ready"
	EventCompleted      = "completed"
	EventFailed         = "failed"
)

var (
	ErrUnauthorized   = errors.New("invalid webhook signature")
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Webhook is the payload the agent service posts.
type Webhook struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	CreatedAt string       `json:"createdAt"`
	Agent     WebhookAgent `json:"agent"`
	Data      *WebhookData `json:"data,omitempty"`
}

type WebhookAgent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type WebhookData struct {
	Message *agentclient.ConversationMessage `json:"message,omitempty"`
	Text    string                           `json:"text,omitempty"`
}

// Result values of HandleWebhook.
const (
	ResultAccepted     = "accepted"
	ResultDuplicate    = "duplicate"
	ResultUnknownAgent = "unknown_agent"
)

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body. The
// "sha256=" prefix is optional.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// HandleWebhook verifies and applies one delivery. Deliveries for unknown
// agents and redelivered event ids are acknowledged without processing.
// ErrUnauthorized and ErrInvalidPayload are returned before anything is
// recorded; other errors come from processing.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (string, error) {
	if !VerifySignature(r.opts.Secret, body, signature) {
		r.Metrics.Webhook("unauthorized")
		r.log.Warn("webhook signature rejected")
		return "", ErrUnauthorized
	}
	var evt Webhook
	if err := json.Unmarshal(body, &evt); err != nil {
		r.Metrics.Webhook("invalid")
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if evt.Agent.ID == "" {
		r.Metrics.Webhook("invalid")
		return "", fmt.Errorf("%w: agent.id is required", ErrInvalidPayload)
	}
	if evt.Type == EventStatusChange {
		evt.Type = EventStatusUpdated
	}
	log := r.log.With("webhook_id", evt.ID, "type", evt.Type, "agent_id", evt.Agent.ID)

	if evt.ID != "" {
		seen, err := r.repo.DeliverySeen(ctx, evt.ID)
		if err != nil {
			r.Metrics.Webhook("error")
			return "", err
		}
		if seen {
			log.Debug("duplicate webhook delivery")
			r.Metrics.Webhook(ResultDuplicate)
			return ResultDuplicate, nil
		}
	}
	run, err := r.repo.GetRunByExternalID(ctx, evt.Agent.ID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Warn("webhook for unknown agent dropped")
		r.Metrics.Webhook(ResultUnknownAgent)
		return ResultUnknownAgent, nil
	}
	if err != nil {
		r.Metrics.Webhook("error")
		return "", err
	}

	u := engine.RunUpdate{RunID: run.ID, LastEvent: json.RawMessage(body)}
	if status := webhookStatus(evt); status != "" {
		u.Status = engine.MapAgentStatus(status, run.AgentType)
	}
	u.Messages = webhookMessages(evt)
	if run.AgentType == domain.AgentOrchestrator && (evt.Type != EventStatusUpdated || u.Status == domain.RunWaitingForUser) {
		msgs, err := r.conversation(ctx, evt.Agent.ID)
		if err != nil {
			log.Warn("fetch conversation failed", "error", err)
		}
		u.Messages = append(u.Messages, msgs...)
	}

	if _, err := r.apply(ctx, u); err != nil {
		r.Metrics.Webhook("error")
		log.Error("webhook processing failed", "run_id", run.ID, "error", err)
		return "", err
	}
	if evt.ID != "" {
		if err := r.recordDelivery(ctx, evt); err != nil {
			log.Warn("record webhook delivery failed", "error", err)
		}
	}
	r.Metrics.Webhook(ResultAccepted)
	return ResultAccepted, nil
}

func (r *Reconciler) recordDelivery(ctx context.Context, evt Webhook) error {
	tx, err := r.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := r.repo.RecordDeliveryTx(ctx, tx, evt.ID, evt.Agent.ID, evt.Type, r.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func webhookStatus(evt Webhook) string {
	if evt.Agent.Status != "" {
		return evt.Agent.Status
	}
	switch evt.Type {
	case EventCompleted:
		return "FINISHED"
	case EventFailed:
		return "FAILED"
	}
	return ""
}

func webhookMessages(evt Webhook) []engine.IncomingMessage {
	if evt.Data == nil {
		return nil
	}
	if m := evt.Data.Message; m != nil && m.Text != "" {
		if m.Type != "" && m.Type != agentclient.MessageAssistant {
			return nil
		}
		id := m.ID
		if id == "" {
			id = evt.ID
		}
		return []engine.IncomingMessage{{ExternalID: id, Role: domain.RoleAssistant, Content: m.Text}}
	}
	if evt.Data.Text != "" {
		return []engine.IncomingMessage{{ExternalID: evt.ID, Role: domain.RoleAssistant, Content: evt.Data.Text}}
	}
	return nil
}
