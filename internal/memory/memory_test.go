package memory_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

func newTestService(t *testing.T, opts ...memory.Option) (*memory.Service, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return memory.New(s, memory.NewHeuristicSummarizer(), opts...), s
}

func seedSession(t *testing.T, s store.Store, sessionID string, messageCount int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.Session{
		ID: sessionID, UserID: "user-1", Status: models.SessionActive,
	}))
	require.NoError(t, s.AddParticipant(ctx, &models.AgentParticipant{
		SessionID: sessionID, AgentID: "support-agent", Active: true,
	}))
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < messageCount; i++ {
		require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
			ID: fmt.Sprintf("%s-m%03d", sessionID, i), SessionID: sessionID,
			FromAgent: "support-agent", Type: models.MessageBroadcast,
			Payload:   map[string]interface{}{"content": "the customer wants a refund for the broken widget"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestWriteRead_ShortTerm(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := "sess-1"

	rec, err := svc.Write(ctx, models.ScopeShortTerm, "agent", &sid, "topic", "refunds", 0)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	got, err := svc.Read(ctx, "agent", models.ScopeShortTerm, &sid, "topic")
	require.NoError(t, err)
	assert.Equal(t, "refunds", got.Value)
}

func TestWrite_ScopeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid := "sess-1"

	_, err := svc.Write(ctx, models.ScopeShortTerm, "agent", nil, "k", "v", 0)
	assert.Error(t, err, "short-term requires a session")

	_, err = svc.Write(ctx, models.ScopeLongTerm, "agent", &sid, "k", "v", 0)
	assert.Error(t, err, "long-term must not carry a session")

	_, err = svc.Write(ctx, models.ScopeEpisodic, "agent", nil, "k", "v", 0)
	assert.Error(t, err, "episodic is not keyed memory")
}

func TestRead_ExpiresAtReadTime(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryRecord{
		ID: "r1", Owner: "agent", Scope: models.ScopeLongTerm,
		Key: "stale", Value: "v", ExpiresAt: &past,
	}))

	_, err := svc.Read(ctx, "agent", models.ScopeLongTerm, nil, "stale")
	assert.True(t, store.IsNotFound(err))

	// Deleted eagerly, not just masked
	_, err = s.GetMemory(ctx, "agent", models.ScopeLongTerm, nil, "stale")
	assert.True(t, store.IsNotFound(err))
}

func TestCreate_Conflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, models.ScopeLongTerm, "agent", nil, "pref", "email", 0)
	require.NoError(t, err)

	_, err = svc.Create(ctx, models.ScopeLongTerm, "agent", nil, "pref", "phone", 0)
	var conflict *models.MemoryKeyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "pref", conflict.Key)

	// Write always upserts
	_, err = svc.Write(ctx, models.ScopeLongTerm, "agent", nil, "pref", "phone", 0)
	require.NoError(t, err)
	got, err := svc.Read(ctx, "agent", models.ScopeLongTerm, nil, "pref")
	require.NoError(t, err)
	assert.Equal(t, "phone", got.Value)
}

func TestList_FiltersExpired(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryRecord{
		ID: "live", Owner: "agent", Scope: models.ScopeLongTerm, Key: "live", Value: "v",
	}))
	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryRecord{
		ID: "dead", Owner: "agent", Scope: models.ScopeLongTerm, Key: "dead", Value: "v", ExpiresAt: &past,
	}))

	recs, err := svc.List(ctx, "agent", models.ScopeLongTerm, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "live", recs[0].Key)
}

func TestSummarize_ThresholdAndForce(t *testing.T) {
	svc, s := newTestService(t, memory.WithSummaryThreshold(20))
	ctx := context.Background()
	seedSession(t, s, "short", 5)

	ep, err := svc.Summarize(ctx, "short", false)
	require.NoError(t, err)
	assert.Nil(t, ep, "below threshold without force")

	ep, err = svc.Summarize(ctx, "short", true)
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.Equal(t, 5, ep.MessageCount)
	assert.Equal(t, "support-agent", ep.AgentID)
	assert.NotEmpty(t, ep.Summary)
}

func TestSummarize_FingerprintIdempotent(t *testing.T) {
	svc, s := newTestService(t, memory.WithSummaryThreshold(3))
	ctx := context.Background()
	seedSession(t, s, "sess-1", 10)

	first, err := svc.Summarize(ctx, "sess-1", false)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Summarize(ctx, "sess-1", false)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "same message range returns the stored episode")

	eps, err := svc.Episodes(ctx, "user-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, eps, 1)
}

func TestEnforceEpisodeCaps(t *testing.T) {
	svc, s := newTestService(t, memory.WithEpisodeCaps(2, 365))
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.CreateEpisode(ctx, &models.EpisodicSummary{
			ID: fmt.Sprintf("ep-%d", i), UserID: "u", AgentID: "agent",
			SessionID: "s", Fingerprint: fmt.Sprintf("fp-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// One ancient episode within the count cap for a different agent
	require.NoError(t, s.CreateEpisode(ctx, &models.EpisodicSummary{
		ID: "ancient", UserID: "u", AgentID: "other",
		SessionID: "s", Fingerprint: "fp-ancient",
		CreatedAt: base.AddDate(-2, 0, 0),
	}))

	deleted, err := svc.EnforceEpisodeCaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted, "two over the count cap plus one over the age cap")

	eps, err := svc.Episodes(ctx, "u", "agent", 0)
	require.NoError(t, err)
	assert.Len(t, eps, 2)
}

func TestHeuristicSummarizer(t *testing.T) {
	h := memory.NewHeuristicSummarizer()
	msgs := []contracts.ConversationMessage{
		{AgentID: "a", Content: "refund refund refund widget"},
		{AgentID: "b", Content: "the widget shipment arrived damaged"},
	}
	result, err := h.Summarize(context.Background(), msgs)
	require.NoError(t, err)
	assert.Contains(t, result.KeyTopics, "refund")
	assert.Contains(t, result.KeyTopics, "widget")
	assert.Equal(t, models.ResolutionUnknown, result.Resolution)
}
