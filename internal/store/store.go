// Package store provides the storage interface and implementations for
// the orchestration subsystem: an in-memory store with JSON snapshot
// persistence (zero-configuration default) and a PostgreSQL store for
// durable deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// Store is the primary storage interface. All service code depends on
// this interface, making it easy to swap between in-memory (tests,
// single-node) and PostgreSQL (production) implementations.
type Store interface {
	SessionStore
	ParticipantStore
	MessageStore
	MemoryRecordStore
	EpisodicStore
	EntityStore
	RelationshipStore
	ApprovalStore
	AuditStore
	UsageStore
	ChannelStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
}

// ── Participant Store ───────────────────────────────────────

type ParticipantStore interface {
	AddParticipant(ctx context.Context, p *models.AgentParticipant) error
	GetParticipant(ctx context.Context, sessionID, agentID string) (*models.AgentParticipant, error)
	UpdateParticipant(ctx context.Context, p *models.AgentParticipant) error
	RemoveParticipant(ctx context.Context, sessionID, agentID string) error
	ListParticipants(ctx context.Context, sessionID string) ([]models.AgentParticipant, error)
}

// ── Message Store ───────────────────────────────────────────

// MessageStore manages A2A messages. PendingMessages returns unprocessed
// messages addressed to the agent (directly or via broadcast, excluding
// the agent's own sends) ordered by creation time; TTL and hop filtering
// is the bus's responsibility.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.A2AMessage) error
	GetMessage(ctx context.Context, id string) (*models.A2AMessage, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	PendingMessages(ctx context.Context, sessionID, agentID string) ([]models.A2AMessage, error)
	SessionMessages(ctx context.Context, sessionID string) ([]models.A2AMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int, error)
}

// ── Memory Record Store ─────────────────────────────────────

// MemoryRecordStore manages key/value memory facts, keyed by
// (owner, scope, session, key). sessionID is nil for long-term records.
type MemoryRecordStore interface {
	UpsertMemory(ctx context.Context, r *models.MemoryRecord) error
	GetMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, key string) (*models.MemoryRecord, error)
	ListMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string) ([]models.MemoryRecord, error)
	DeleteMemory(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, key string) error
	DeleteSessionMemory(ctx context.Context, sessionID string) (int, error)
	DeleteExpiredMemory(ctx context.Context, now time.Time) (int, error)
}

// ── Episodic Store ──────────────────────────────────────────

type EpisodicStore interface {
	CreateEpisode(ctx context.Context, e *models.EpisodicSummary) error
	GetEpisodeByFingerprint(ctx context.Context, fingerprint string) (*models.EpisodicSummary, error)
	ListEpisodes(ctx context.Context, userID, agentID string, limit int) ([]models.EpisodicSummary, error)
	DeleteEpisode(ctx context.Context, id string) error
}

// ── Entity Store ────────────────────────────────────────────

type EntityStore interface {
	CreateEntity(ctx context.Context, e *models.KGEntity) error
	GetEntity(ctx context.Context, id string) (*models.KGEntity, error)
	UpdateEntity(ctx context.Context, e *models.KGEntity) error
	// FindEntity matches name against entity names and aliases,
	// case-insensitively, within one agent's graph.
	FindEntity(ctx context.Context, agentID, name string) (*models.KGEntity, error)
	ListEntities(ctx context.Context, agentID string) ([]models.KGEntity, error)
	DeleteEntity(ctx context.Context, id string) error
}

// ── Relationship Store ──────────────────────────────────────

type RelationshipStore interface {
	CreateRelationship(ctx context.Context, r *models.KGRelationship) error
	UpdateRelationship(ctx context.Context, r *models.KGRelationship) error
	// FindRelationship looks up the unique (agent, from, to, type) triple.
	FindRelationship(ctx context.Context, agentID, fromID, toID, relType string) (*models.KGRelationship, error)
	ListRelationships(ctx context.Context, agentID string) ([]models.KGRelationship, error)
	// EntityRelationships returns edges touching the entity in either direction.
	EntityRelationships(ctx context.Context, agentID, entityID string) ([]models.KGRelationship, error)
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, a *models.ApprovalRequest) error
	ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error)

	CreateChain(ctx context.Context, c *models.ApprovalChain) error
	GetChain(ctx context.Context, id string) (*models.ApprovalChain, error)
	ListChains(ctx context.Context) ([]models.ApprovalChain, error)

	CreateToken(ctx context.Context, t *models.ApprovalToken) error
	GetToken(ctx context.Context, token string) (*models.ApprovalToken, error)
	UpdateToken(ctx context.Context, t *models.ApprovalToken) error
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is the append-only approval audit log. Entries are never
// mutated or deleted by the engine, only appended.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEvent) error
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	CountAudit(ctx context.Context, filter models.AuditFilter) (int, error)
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	CreateUsage(ctx context.Context, m *models.UsageMetric) error
	ListUsage(ctx context.Context, filter models.UsageFilter) ([]models.UsageMetric, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetBudget(ctx context.Context, agentID string) (*models.Budget, error)
	PutBudget(ctx context.Context, b *models.Budget) error

	UpsertRollup(ctx context.Context, r *models.HourlyUsage) error
	ListRollups(ctx context.Context, agentID string, since time.Time) ([]models.HourlyUsage, error)
}

// ── Channel Store ───────────────────────────────────────────

type ChannelStore interface {
	CreateChannel(ctx context.Context, c *models.NotificationChannel) error
	GetChannel(ctx context.Context, id string) (*models.NotificationChannel, error)
	ListChannels(ctx context.Context) ([]models.NotificationChannel, error)
	DeleteChannel(ctx context.Context, id string) error
}
