// Package registry manages orchestration sessions and their agent
// participants. Closing a session cascades: short-term memory is purged,
// unacked messages are dropped, open approvals are expired, and the
// episodic summarizer gets a chance to capture the conversation.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// SummarizeHook is invoked on session close so episodic memory can be
// written before short-term records are purged. Errors are logged, not
// propagated; a failed summary must not block the close.
type SummarizeHook func(ctx context.Context, sessionID string) error

// ApprovalExpirer expires open approval requests tied to a session.
type ApprovalExpirer interface {
	ExpireForSession(ctx context.Context, sessionID string) (int, error)
}

// Registry is the session and participant service.
type Registry struct {
	store     store.Store
	summarize SummarizeHook
	approvals ApprovalExpirer
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// SetSummarizeHook wires the episodic summarizer; optional.
func (r *Registry) SetSummarizeHook(h SummarizeHook) { r.summarize = h }

// SetApprovalExpirer wires the approval engine; optional.
func (r *Registry) SetApprovalExpirer(e ApprovalExpirer) { r.approvals = e }

// ── Sessions ────────────────────────────────────────────────

func (r *Registry) CreateSession(ctx context.Context, userID, title string, metadata map[string]interface{}) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Status:    models.SessionActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("session_id", sess.ID).Str("user_id", userID).Msg("session created")
	return sess, nil
}

func (r *Registry) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return r.store.GetSession(ctx, id)
}

func (r *Registry) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return r.store.ListSessions(ctx, userID)
}

// CloseSession archives a session. Pending messages for its participants
// are dropped, open approvals expire, short-term memory is purged, and
// the summarize hook runs first so the episode is captured before the
// purge.
func (r *Registry) CloseSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return sess, nil // already closed, idempotent
	}

	if r.summarize != nil {
		if err := r.summarize(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("close-time summarization failed")
		}
	}

	dropped, err := r.dropPendingMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("drop pending messages: %w", err)
	}

	expired := 0
	if r.approvals != nil {
		expired, err = r.approvals.ExpireForSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("expire approvals: %w", err)
		}
	}

	purged, err := r.store.DeleteSessionMemory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("purge session memory: %w", err)
	}

	now := time.Now().UTC()
	sess.Status = models.SessionClosed
	sess.ClosedAt = &now
	sess.UpdatedAt = now
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}

	log.Info().
		Str("session_id", id).
		Int("messages_dropped", dropped).
		Int("approvals_expired", expired).
		Int("memory_purged", purged).
		Msg("🔒 session closed")
	return sess, nil
}

// dropPendingMessages deletes every undelivered message visible to any
// participant of the session.
func (r *Registry) dropPendingMessages(ctx context.Context, sessionID string) (int, error) {
	parts, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	for _, p := range parts {
		pending, err := r.store.PendingMessages(ctx, sessionID, p.AgentID)
		if err != nil {
			return len(seen), err
		}
		for _, m := range pending {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if err := r.store.DeleteMessage(ctx, m.ID); err != nil {
				return len(seen), err
			}
		}
	}
	return len(seen), nil
}

// ── Participants ────────────────────────────────────────────

func (r *Registry) AddParticipant(ctx context.Context, sessionID, agentID string, trigger *models.TriggerConfig, priority int) (*models.AgentParticipant, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, fmt.Errorf("session %s is %s, cannot add participant", sessionID, sess.Status)
	}
	p := &models.AgentParticipant{
		SessionID: sessionID,
		AgentID:   agentID,
		Trigger:   trigger,
		Priority:  priority,
		Active:    true,
		JoinedAt:  time.Now().UTC(),
	}
	if err := r.store.AddParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	log.Info().Str("session_id", sessionID).Str("agent_id", agentID).Msg("participant joined")
	return p, nil
}

// RemoveParticipant drops the agent from the session. Messages still
// pending for the agent are deleted rather than left to rot.
func (r *Registry) RemoveParticipant(ctx context.Context, sessionID, agentID string) error {
	pending, err := r.store.PendingMessages(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	for _, m := range pending {
		// Broadcasts stay visible to remaining participants.
		if m.ToAgent == nil {
			continue
		}
		if err := r.store.DeleteMessage(ctx, m.ID); err != nil {
			return err
		}
	}
	if err := r.store.RemoveParticipant(ctx, sessionID, agentID); err != nil {
		return err
	}
	log.Info().
		Str("session_id", sessionID).
		Str("agent_id", agentID).
		Int("messages_dropped", len(pending)).
		Msg("participant removed")
	return nil
}

func (r *Registry) ListParticipants(ctx context.Context, sessionID string) ([]models.AgentParticipant, error) {
	return r.store.ListParticipants(ctx, sessionID)
}

// ActiveParticipants returns only participants that have not left.
func (r *Registry) ActiveParticipants(ctx context.Context, sessionID string) ([]models.AgentParticipant, error) {
	parts, err := r.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	active := parts[:0]
	for _, p := range parts {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// MatchingParticipants filters active participants whose trigger config
// matches the given text or intent. Order follows ListParticipants
// (priority descending).
func (r *Registry) MatchingParticipants(ctx context.Context, sessionID, text, intent string) ([]models.AgentParticipant, error) {
	parts, err := r.ActiveParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	matched := parts[:0]
	for _, p := range parts {
		if Matches(p.Trigger, text, intent) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// Matches reports whether a trigger config fires for the given text and
// intent. A nil config never fires; Always overrides everything else.
func Matches(tc *models.TriggerConfig, text, intent string) bool {
	if tc == nil {
		return false
	}
	if tc.Always {
		return true
	}
	if intent != "" {
		for _, want := range tc.Intents {
			if strings.EqualFold(want, intent) {
				return true
			}
		}
	}
	if text != "" {
		lower := strings.ToLower(text)
		for _, kw := range tc.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}
