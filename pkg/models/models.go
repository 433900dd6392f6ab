package models

import (
	"time"
)

// ── Session ──────────────────────────────────────────────────

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

// Session is one user-facing conversation shared by several agents.
type Session struct {
	ID        string                 `json:"id" db:"id"`
	UserID    string                 `json:"user_id" db:"user_id"`
	Title     string                 `json:"title,omitempty" db:"title"`
	Status    SessionStatus          `json:"status" db:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
	ClosedAt  *time.Time             `json:"closed_at,omitempty" db:"closed_at"`
}

// TriggerConfig controls when a participant agent is activated
// by the dialog runtime.
type TriggerConfig struct {
	Keywords []string `json:"keywords,omitempty"`
	Intents  []string `json:"intents,omitempty"`
	Always   bool     `json:"always,omitempty"`
}

// AgentParticipant binds an agent to a session with routing preferences.
type AgentParticipant struct {
	SessionID string         `json:"session_id" db:"session_id"`
	AgentID   string         `json:"agent_id" db:"agent_id"`
	Trigger   *TriggerConfig `json:"trigger,omitempty" db:"trigger"`
	Priority  int            `json:"priority" db:"priority"`
	Active    bool           `json:"active" db:"active"`
	JoinedAt  time.Time      `json:"joined_at" db:"joined_at"`
	LeftAt    *time.Time     `json:"left_at,omitempty" db:"left_at"`
}

// ── A2A Messages ─────────────────────────────────────────────

type MessageType string

const (
	MessageRequest     MessageType = "request"
	MessageResponse    MessageType = "response"
	MessageBroadcast   MessageType = "broadcast"
	MessageDelegate    MessageType = "delegate"
	MessageCollaborate MessageType = "collaborate"
	MessageAck         MessageType = "ack"
	MessageError       MessageType = "error"
)

// DefaultMessageTTLSeconds applies when a publish carries no explicit TTL.
const DefaultMessageTTLSeconds = 30

// DefaultMaxHops bounds relay chains between agents.
const DefaultMaxHops = 5

// A2AMessage is one control message exchanged between agents in a session.
// ToAgent == nil means broadcast to every active participant except the sender.
type A2AMessage struct {
	ID            string                 `json:"id" db:"id"`
	SessionID     string                 `json:"session_id" db:"session_id"`
	FromAgent     string                 `json:"from_agent" db:"from_agent"`
	ToAgent       *string                `json:"to_agent,omitempty" db:"to_agent"`
	Type          MessageType            `json:"type" db:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty" db:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty" db:"correlation_id"`
	TTLSeconds    int                    `json:"ttl_seconds" db:"ttl_seconds"`
	HopCount      int                    `json:"hop_count" db:"hop_count"`
	Processed     bool                   `json:"processed" db:"processed"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty" db:"processed_at"`
	Metadata      map[string]string      `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Expired reports whether the message TTL has elapsed at the given instant.
// TTL 0 means the message never expires.
func (m *A2AMessage) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second).Before(now)
}

// ── Memory ───────────────────────────────────────────────────

type MemoryScope string

const (
	ScopeShortTerm MemoryScope = "short_term"
	ScopeLongTerm  MemoryScope = "long_term"
	ScopeEpisodic  MemoryScope = "episodic"
)

// MemoryRecord is one key/value fact owned by a user or agent.
// Short-term records carry a session id and vanish with the session;
// long-term records have SessionID == nil and persist until deleted
// or TTL-expired.
type MemoryRecord struct {
	ID        string      `json:"id" db:"id"`
	Owner     string      `json:"owner" db:"owner"`
	SessionID *string     `json:"session_id,omitempty" db:"session_id"`
	Scope     MemoryScope `json:"scope" db:"scope"`
	Key       string      `json:"key" db:"key"`
	Value     string      `json:"value" db:"value"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the record's TTL has elapsed. Records without
// an expiry never expire.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

type Resolution string

const (
	ResolutionResolved   Resolution = "resolved"
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionEscalated  Resolution = "escalated"
	ResolutionPending    Resolution = "pending"
	ResolutionUnknown    Resolution = "unknown"
)

// ActionItem is a follow-up task extracted from a conversation span.
type ActionItem struct {
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Completed   bool   `json:"completed"`
}

// Sentiment scores the overall tone of a conversation span.
type Sentiment struct {
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// EpisodicSummary is a compressed, immutable account of a finished
// conversation span. Fingerprint identifies the summarized message range
// so re-summarization of the same range is a no-op.
type EpisodicSummary struct {
	ID                string       `json:"id" db:"id"`
	UserID            string       `json:"user_id" db:"user_id"`
	AgentID           string       `json:"agent_id" db:"agent_id"`
	SessionID         string       `json:"session_id" db:"session_id"`
	Summary           string       `json:"summary" db:"summary"`
	KeyTopics         []string     `json:"key_topics,omitempty" db:"key_topics"`
	Decisions         []string     `json:"decisions,omitempty" db:"decisions"`
	ActionItems       []ActionItem `json:"action_items,omitempty" db:"action_items"`
	Sentiment         Sentiment    `json:"sentiment" db:"sentiment"`
	Resolution        Resolution   `json:"resolution" db:"resolution"`
	MessageCount      int          `json:"message_count" db:"message_count"`
	Fingerprint       string       `json:"fingerprint" db:"fingerprint"`
	ConversationStart time.Time    `json:"conversation_start" db:"conversation_start"`
	ConversationEnd   time.Time    `json:"conversation_end" db:"conversation_end"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// ── Knowledge Graph ──────────────────────────────────────────

type EntitySource string

const (
	SourceManual    EntitySource = "manual"
	SourceExtracted EntitySource = "extracted"
	SourceImported  EntitySource = "imported"
	SourceInferred  EntitySource = "inferred"
)

// KGEntity is a named thing an agent has learned about. Entities are
// scoped per owning agent; cross-agent access goes through federation.
type KGEntity struct {
	ID         string                 `json:"id" db:"id"`
	AgentID    string                 `json:"agent_id" db:"agent_id"`
	Type       string                 `json:"type" db:"type"`
	Name       string                 `json:"name" db:"name"`
	Aliases    []string               `json:"aliases,omitempty" db:"aliases"`
	Properties map[string]interface{} `json:"properties,omitempty" db:"properties"`
	Confidence float64                `json:"confidence" db:"confidence"`
	Source     EntitySource           `json:"source" db:"source"`
	Mentions   int                    `json:"mentions" db:"mentions"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at" db:"updated_at"`
}

// KGRelationship is a typed, weighted edge between two entities of the
// same agent. The (agent, from, to, type) triple is unique; repeated
// inference updates weight/confidence on the existing edge.
type KGRelationship struct {
	ID            string                 `json:"id" db:"id"`
	AgentID       string                 `json:"agent_id" db:"agent_id"`
	FromEntityID  string                 `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID    string                 `json:"to_entity_id" db:"to_entity_id"`
	Type          string                 `json:"type" db:"type"`
	Weight        float64                `json:"weight" db:"weight"`
	Confidence    float64                `json:"confidence" db:"confidence"`
	Bidirectional bool                   `json:"bidirectional" db:"bidirectional"`
	Properties    map[string]interface{} `json:"properties,omitempty" db:"properties"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" db:"updated_at"`
}

// ── Approvals ────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected ||
		s == ApprovalExpired || s == ApprovalCancelled
}

type ApprovalAction string

const (
	ActionApprove  ApprovalAction = "approve"
	ActionReject   ApprovalAction = "reject"
	ActionEscalate ApprovalAction = "escalate"
)

type NotifyKind string

const (
	NotifyWebhook NotifyKind = "webhook"
	NotifySlack   NotifyKind = "slack"
	NotifyTeams   NotifyKind = "teams"
	NotifyEmail   NotifyKind = "email"
	NotifyInApp   NotifyKind = "in_app"
)

// ApprovalLevel is one rung of a multi-level approval chain.
// Condition is an expression over the request payload (e.g. "amount > 1000");
// a level whose condition evaluates false is skipped when Skippable is set.
type ApprovalLevel struct {
	Level          int        `json:"level"`
	Channel        NotifyKind `json:"channel"`
	Recipient      string     `json:"recipient"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Condition      string     `json:"condition,omitempty"`
	Skippable      bool       `json:"skippable,omitempty"`
}

// ApprovalChain is a reusable multi-level approval policy.
type ApprovalChain struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Levels       []ApprovalLevel `json:"levels" db:"levels"`
	StopOnReject bool            `json:"stop_on_reject" db:"stop_on_reject"`
	RequireAll   bool            `json:"require_all" db:"require_all"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// LevelDecision records the outcome of one chain level.
type LevelDecision struct {
	Level     int            `json:"level"`
	Action    ApprovalAction `json:"action"`
	Actor     string         `json:"actor"`
	Comments  string         `json:"comments,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`
}

// ApprovalRequest is a pending human decision gating a risky action.
// Immutable once the status is terminal.
type ApprovalRequest struct {
	ID            string                 `json:"id" db:"id"`
	SessionID     string                 `json:"session_id" db:"session_id"`
	Initiator     string                 `json:"initiator" db:"initiator"`
	Kind          string                 `json:"kind" db:"kind"`
	ChainID       string                 `json:"chain_id,omitempty" db:"chain_id"`
	Channel       NotifyKind             `json:"channel" db:"channel"`
	Recipient     string                 `json:"recipient" db:"recipient"`
	Message       string                 `json:"message" db:"message"`
	Payload       map[string]interface{} `json:"payload,omitempty" db:"payload"`
	TTLSeconds    int                    `json:"ttl_seconds" db:"ttl_seconds"`
	DefaultAction ApprovalAction         `json:"default_action" db:"default_action"`
	Status        ApprovalStatus         `json:"status" db:"status"`
	CurrentLevel  int                    `json:"current_level" db:"current_level"`
	TotalLevels   int                    `json:"total_levels" db:"total_levels"`
	Decisions     []LevelDecision        `json:"decisions,omitempty" db:"decisions"`
	DecidedBy     string                 `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt     *time.Time             `json:"decided_at,omitempty" db:"decided_at"`
	Comments      string                 `json:"comments,omitempty" db:"comments"`
	RemindersSent int                    `json:"reminders_sent" db:"reminders_sent"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at" db:"expires_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ApprovalToken allows a single out-of-band decision via a link.
type ApprovalToken struct {
	Token     string     `json:"token" db:"token"`
	RequestID string     `json:"request_id" db:"request_id"`
	Used      bool       `json:"used" db:"used"`
	UsedBy    string     `json:"used_by,omitempty" db:"used_by"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type AuditAction string

const (
	AuditRequestCreated   AuditAction = "request_created"
	AuditNotificationSent AuditAction = "notification_sent"
	AuditReminderSent     AuditAction = "reminder_sent"
	AuditApproved         AuditAction = "approved"
	AuditRejected         AuditAction = "rejected"
	AuditLevelAdvanced    AuditAction = "level_advanced"
	AuditLevelSkipped     AuditAction = "level_skipped"
	AuditExpired          AuditAction = "expired"
	AuditCancelled        AuditAction = "cancelled"
	AuditTokenIssued      AuditAction = "token_issued"
	AuditTokenUsed        AuditAction = "token_used"
)

// SystemTimeoutActor is the audit actor recorded when a request expires
// and its default action is applied automatically.
const SystemTimeoutActor = "system:timeout"

// AuditEvent is one append-only entry in the approval audit log.
type AuditEvent struct {
	ID        string      `json:"id" db:"id"`
	RequestID string      `json:"request_id" db:"request_id"`
	SessionID string      `json:"session_id,omitempty" db:"session_id"`
	Action    AuditAction `json:"action" db:"action"`
	Actor     string      `json:"actor" db:"actor"`
	Detail    string      `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	RequestID string
	SessionID string
	Action    AuditAction
	Limit     int
	Offset    int
}

// ── Usage & Budgets ──────────────────────────────────────────

type RequestType string

const (
	RequestChat       RequestType = "chat"
	RequestCompletion RequestType = "completion"
	RequestEmbedding  RequestType = "embedding"
)

// UsageMetric records a single LLM call.
type UsageMetric struct {
	ID            string      `json:"id" db:"id"`
	RequestID     string      `json:"request_id" db:"request_id"`
	SessionID     string      `json:"session_id,omitempty" db:"session_id"`
	AgentID       string      `json:"agent_id" db:"agent_id"`
	Model         string      `json:"model" db:"model"`
	RequestType   RequestType `json:"request_type" db:"request_type"`
	InputTokens   int64       `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64       `json:"output_tokens" db:"output_tokens"`
	TotalTokens   int64       `json:"total_tokens" db:"total_tokens"`
	LatencyMs     int64       `json:"latency_ms" db:"latency_ms"`
	TTFTMs        int64       `json:"ttft_ms,omitempty" db:"ttft_ms"`
	Cached        bool        `json:"cached" db:"cached"`
	Success       bool        `json:"success" db:"success"`
	ErrorMessage  string      `json:"error_message,omitempty" db:"error_message"`
	EstimatedCost float64     `json:"estimated_cost" db:"estimated_cost"`
	Timestamp     time.Time   `json:"timestamp" db:"timestamp"`
}

// UsageFilter narrows usage metric queries.
type UsageFilter struct {
	AgentID   string
	SessionID string
	Model     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Default budget limits (USD).
const (
	DefaultDailyLimitUSD   = 100.0
	DefaultMonthlyLimitUSD = 2000.0
	DefaultAlertThreshold  = 0.8
	DefaultUsageRetainDays = 90
)

// Budget is a per-agent spend ceiling over daily and monthly windows.
// Spend is monotonically non-decreasing within a window and reset
// atomically when the window boundary elapses.
type Budget struct {
	AgentID          string    `json:"agent_id" db:"agent_id"`
	DailyLimit       float64   `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit     float64   `json:"monthly_limit" db:"monthly_limit"`
	AlertThreshold   float64   `json:"alert_threshold" db:"alert_threshold"`
	DailySpend       float64   `json:"daily_spend" db:"daily_spend"`
	MonthlySpend     float64   `json:"monthly_spend" db:"monthly_spend"`
	DailyResetAt     time.Time `json:"daily_reset_at" db:"daily_reset_at"`
	MonthlyResetAt   time.Time `json:"monthly_reset_at" db:"monthly_reset_at"`
	DailyAlertSent   bool      `json:"daily_alert_sent" db:"daily_alert_sent"`
	MonthlyAlertSent bool      `json:"monthly_alert_sent" db:"monthly_alert_sent"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultBudget returns a fresh budget for an agent with window resets
// at the next UTC day and month boundaries.
func DefaultBudget(agentID string, now time.Time) *Budget {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return &Budget{
		AgentID:        agentID,
		DailyLimit:     DefaultDailyLimitUSD,
		MonthlyLimit:   DefaultMonthlyLimitUSD,
		AlertThreshold: DefaultAlertThreshold,
		DailyResetAt:   day,
		MonthlyResetAt: month,
		UpdatedAt:      now,
	}
}

// HourlyUsage is a derived per-(agent, model, hour) rollup. It is a
// rebuildable view, never consulted for budget decisions.
type HourlyUsage struct {
	ID           string    `json:"id" db:"id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	Model        string    `json:"model" db:"model"`
	Hour         time.Time `json:"hour" db:"hour"`
	Calls        int64     `json:"calls" db:"calls"`
	Successes    int64     `json:"successes" db:"successes"`
	Failures     int64     `json:"failures" db:"failures"`
	CacheHits    int64     `json:"cache_hits" db:"cache_hits"`
	CacheMisses  int64     `json:"cache_misses" db:"cache_misses"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	TotalCost    float64   `json:"total_cost" db:"total_cost"`
	P50LatencyMs int64     `json:"p50_latency_ms" db:"p50_latency_ms"`
	P95LatencyMs int64     `json:"p95_latency_ms" db:"p95_latency_ms"`
	P99LatencyMs int64     `json:"p99_latency_ms" db:"p99_latency_ms"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ── Notification Channels ────────────────────────────────────

// NotificationChannel is a configured delivery target for approval
// prompts, reminders, and budget alerts.
type NotificationChannel struct {
	ID        string                 `json:"id" db:"id"`
	Name      string                 `json:"name" db:"name"`
	Kind      NotifyKind             `json:"kind" db:"kind"`
	URL       string                 `json:"url,omitempty" db:"url"`
	Secret    string                 `json:"secret,omitempty" db:"secret"`
	Recipient string                 `json:"recipient,omitempty" db:"recipient"`
	Events    []string               `json:"events,omitempty" db:"events"`
	Config    map[string]interface{} `json:"config,omitempty" db:"config"`
	Active    bool                   `json:"active" db:"active"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// ── Intents ──────────────────────────────────────────────────

// IntentKind is the closed set of agent intents the orchestrator routes.
// New behaviors register a handler against the kind at startup.
type IntentKind string

const (
	IntentSendMessage IntentKind = "send_message"
	IntentBroadcast   IntentKind = "broadcast"
	IntentDelegate    IntentKind = "delegate"
	IntentCollaborate IntentKind = "collaborate"
	IntentRemember    IntentKind = "remember"
	IntentRecordFact  IntentKind = "record_fact"
)

// Intent is one agent action submitted to the orchestrator by the
// dialog runtime.
type Intent struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	AgentID       string                 `json:"agent_id"`
	Kind          IntentKind             `json:"kind"`
	TargetAgent   string                 `json:"target_agent,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Model         string                 `json:"model,omitempty"`
	EstimatedCost float64                `json:"estimated_cost,omitempty"`
	SubmittedAt   time.Time              `json:"submitted_at"`
}

type IntentOutcome string

const (
	IntentCompleted IntentOutcome = "completed"
	IntentPending   IntentOutcome = "pending_approval"
	IntentDenied    IntentOutcome = "denied"
	IntentRejected  IntentOutcome = "rejected"
	IntentFailed    IntentOutcome = "failed"
)

// IntentResult is returned to the dialog runtime. A pending result
// carries the approval request id as the resumption handle; the
// original handler is re-invoked once a terminal decision lands.
type IntentResult struct {
	IntentID   string                 `json:"intent_id"`
	Outcome    IntentOutcome          `json:"outcome"`
	MessageIDs []string               `json:"message_ids,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
