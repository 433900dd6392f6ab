// Package contracts defines the interfaces the orchestration subsystem
// consumes from external collaborators: the episodic summarizer backend,
// notification channel drivers, and the identity directory. Concrete
// implementations live in internal/; alternates (other LLM vendors,
// richer directories) plug in through these interfaces without touching
// the orchestration code.
package contracts

import (
	"context"
	"time"

	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// ── Episodic Summarizer ──────────────────────────────────────

// ConversationMessage is one turn handed to the summarizer.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SummaryResult is the structured output of a summarization run.
type SummaryResult struct {
	Summary     string              `json:"summary"`
	KeyTopics   []string            `json:"key_topics"`
	Decisions   []string            `json:"decisions"`
	ActionItems []models.ActionItem `json:"action_items"`
	Sentiment   models.Sentiment    `json:"sentiment"`
	Resolution  models.Resolution   `json:"resolution"`
}

// Summarizer compresses a conversation span into an episodic summary.
/// Implementations: the OpenAI-backed summarizer and a deterministic
// heuristic fallback used when no model is configured.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []ConversationMessage) (*SummaryResult, error)
}

// ── Notification Channels ────────────────────────────────────

// NotificationEvent is the payload delivered to a channel driver.
type NotificationEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Recipient string                 `json:"recipient,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChannelDriver delivers events to one kind of notification channel.
// Delivery failure is reported to the caller but must never block the
// approval TTL clock.
type ChannelDriver interface {
	// Kind returns the channel identifier (e.g. "webhook", "slack").
	Kind() models.NotifyKind

	// Send delivers the event through the channel.
	Send(ctx context.Context, channel *models.NotificationChannel, event NotificationEvent) error
}

// ── Identity Directory ───────────────────────────────────────

// IdentityResolver resolves which humans may act on an approval request
// for a given recipient/channel pair.
type IdentityResolver interface {
	ResolveApprovers(ctx context.Context, channel models.NotifyKind, recipient string) ([]string, error)
}
