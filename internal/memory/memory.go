// Package memory implements the tiered agent memory service: short-term
// facts scoped to a session, long-term facts owned by an agent, and
// episodic summaries distilled from finished conversations.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Service is the memory tier coordinator.
type Service struct {
	store      store.Store
	summarizer contracts.Summarizer

	summaryThreshold int
	maxEpisodes      int
	retainDays       int
}

type Option func(*Service)

func WithSummaryThreshold(n int) Option {
	return func(s *Service) { s.summaryThreshold = n }
}

func WithEpisodeCaps(maxEpisodes, retainDays int) Option {
	return func(s *Service) {
		s.maxEpisodes = maxEpisodes
		s.retainDays = retainDays
	}
}

func New(st store.Store, summarizer contracts.Summarizer, opts ...Option) *Service {
	s := &Service{
		store:            st,
		summarizer:       summarizer,
		summaryThreshold: 20,
		maxEpisodes:      100,
		retainDays:       365,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Keyed memory ────────────────────────────────────────────

// Write upserts a memory fact. Short-term records require a session;
// long-term records must not carry one. A zero ttl means the record
// never expires on its own.
func (s *Service) Write(ctx context.Context, scope models.MemoryScope, owner string, sessionID *string, key, value string, ttl time.Duration) (*models.MemoryRecord, error) {
	if err := validateScope(scope, sessionID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &models.MemoryRecord{
		ID:        uuid.NewString(),
		Owner:     owner,
		SessionID: sessionID,
		Scope:     scope,
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}
	if err := s.store.UpsertMemory(ctx, rec); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	return rec, nil
}

// Create is Write with collision detection: if a live record already
// holds the key it fails with MemoryKeyConflictError instead of
// overwriting.
func (s *Service) Create(ctx context.Context, scope models.MemoryScope, owner string, sessionID *string, key, value string, ttl time.Duration) (*models.MemoryRecord, error) {
	existing, err := s.store.GetMemory(ctx, owner, scope, sessionID, key)
	if err == nil && !existing.Expired(time.Now().UTC()) {
		return nil, &models.MemoryKeyConflictError{Owner: owner, Key: key}
	}
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	return s.Write(ctx, scope, owner, sessionID, key, value, ttl)
}

// Read returns a live record. Expiry is enforced at read time: an
// expired record is deleted and reported as not found.
func (s *Service) Read(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, key string) (*models.MemoryRecord, error) {
	rec, err := s.store.GetMemory(ctx, owner, scope, sessionID, key)
	if err != nil {
		return nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		if err := s.store.DeleteMemory(ctx, owner, scope, sessionID, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to delete expired memory record")
		}
		return nil, &store.ErrNotFound{Entity: "memory record", Key: key}
	}
	return rec, nil
}

func (s *Service) Delete(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string, key string) error {
	return s.store.DeleteMemory(ctx, owner, scope, sessionID, key)
}

// List returns live records for an owner and scope, dropping expired
// rows from the result.
func (s *Service) List(ctx context.Context, owner string, scope models.MemoryScope, sessionID *string) ([]models.MemoryRecord, error) {
	recs, err := s.store.ListMemory(ctx, owner, scope, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	live := recs[:0]
	for _, r := range recs {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	return live, nil
}

func validateScope(scope models.MemoryScope, sessionID *string) error {
	switch scope {
	case models.ScopeShortTerm:
		if sessionID == nil || *sessionID == "" {
			return fmt.Errorf("short-term memory requires a session")
		}
	case models.ScopeLongTerm:
		if sessionID != nil {
			return fmt.Errorf("long-term memory must not carry a session")
		}
	default:
		return fmt.Errorf("scope %q is not writable through keyed memory", scope)
	}
	return nil
}

// ── Episodic memory ─────────────────────────────────────────

// Summarize distills the session transcript into an episodic summary.
// Below the message threshold nothing happens unless force is set. The
// fingerprint over (user, session, message range) makes repeated calls
// idempotent: an already-written episode is returned as is.
func (s *Service) Summarize(ctx context.Context, sessionID string, force bool) (*models.EpisodicSummary, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.SessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) < s.summaryThreshold && !force {
		return nil, nil
	}

	fp := fingerprint(sess.UserID, sessionID, msgs)
	if existing, err := s.store.GetEpisodeByFingerprint(ctx, fp); err == nil {
		return existing, nil
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	convo := make([]contracts.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		convo = append(convo, contracts.ConversationMessage{
			ID:        m.ID,
			Role:      "agent",
			AgentID:   m.FromAgent,
			Content:   messageText(&m),
			Timestamp: m.CreatedAt,
		})
	}

	result, err := s.summarizer.Summarize(ctx, convo)
	if err != nil {
		return nil, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	agentID := ""
	if parts, err := s.store.ListParticipants(ctx, sessionID); err == nil && len(parts) > 0 {
		agentID = parts[0].AgentID
	}

	ep := &models.EpisodicSummary{
		ID:                uuid.NewString(),
		UserID:            sess.UserID,
		AgentID:           agentID,
		SessionID:         sessionID,
		Summary:           result.Summary,
		KeyTopics:         result.KeyTopics,
		Decisions:         result.Decisions,
		ActionItems:       result.ActionItems,
		Sentiment:         result.Sentiment,
		Resolution:        result.Resolution,
		MessageCount:      len(msgs),
		Fingerprint:       fp,
		ConversationStart: msgs[0].CreatedAt,
		ConversationEnd:   msgs[len(msgs)-1].CreatedAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("store episode: %w", err)
	}
	log.Info().
		Str("session_id", sessionID).
		Int("messages", len(msgs)).
		Str("resolution", string(ep.Resolution)).
		Msg("🧠 episode recorded")
	return ep, nil
}

func (s *Service) Episodes(ctx context.Context, userID, agentID string, limit int) ([]models.EpisodicSummary, error) {
	return s.store.ListEpisodes(ctx, userID, agentID, limit)
}

// EnforceEpisodeCaps trims episodic memory to the configured bounds:
// per-agent count cap plus an absolute age cap. Returns deletions.
func (s *Service) EnforceEpisodeCaps(ctx context.Context) (int, error) {
	all, err := s.store.ListEpisodes(ctx, "", "", 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retainDays)
	perAgent := make(map[string]int)
	deleted := 0
	// ListEpisodes is newest-first, so overflow past the cap is oldest.
	for _, ep := range all {
		perAgent[ep.AgentID]++
		if ep.CreatedAt.Before(cutoff) || perAgent[ep.AgentID] > s.maxEpisodes {
			if err := s.store.DeleteEpisode(ctx, ep.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// fingerprint hashes the identity of a summarized message range.
func fingerprint(userID, sessionID string, msgs []models.A2AMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", userID, sessionID, len(msgs))
	if len(msgs) > 0 {
		fmt.Fprintf(h, "%s|%s", msgs[0].ID, msgs[len(msgs)-1].ID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// messageText extracts displayable content from a message payload.
func messageText(m *models.A2AMessage) string {
	for _, k := range []string{"content", "text", "message"} {
		if v, ok := m.Payload[k].(string); ok && v != "" {
			return v
		}
	}
	if len(m.Payload) == 0 {
		return ""
	}
	b, err := json.Marshal(m.Payload)
	if err != nil {
		return ""
	}
	return string(b)
}
