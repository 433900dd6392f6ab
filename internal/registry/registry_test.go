package registry_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/registry"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

func newTestRegistry(t *testing.T) (*registry.Registry, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return registry.New(s), s
}

func strPtr(s string) *string { return &s }

func TestCreateSessionAndJoin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "Billing dispute", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionActive, sess.Status)

	p, err := r.AddParticipant(ctx, sess.ID, "billing-agent", &models.TriggerConfig{Always: true}, 5)
	require.NoError(t, err)
	assert.True(t, p.Active)

	parts, err := r.ActiveParticipants(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "billing-agent", parts[0].AgentID)
}

func TestAddParticipant_ClosedSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)
	_, err = r.CloseSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = r.AddParticipant(ctx, sess.ID, "late-agent", nil, 0)
	assert.Error(t, err)
}

func TestCloseSession_Cascades(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "agent-a", nil, 0)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "agent-b", nil, 0)
	require.NoError(t, err)

	// Pending message and short-term memory that the close must purge
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "m1", SessionID: sess.ID, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest,
	}))
	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryRecord{
		ID: "mem-1", Owner: "agent-a", SessionID: &sess.ID,
		Scope: models.ScopeShortTerm, Key: "topic", Value: "refund",
	}))

	summarized := false
	r.SetSummarizeHook(func(ctx context.Context, sessionID string) error {
		summarized = true
		assert.Equal(t, sess.ID, sessionID)
		return nil
	})

	closed, err := r.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, summarized)

	pending, err := s.PendingMessages(ctx, sess.ID, "agent-b")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.GetMemory(ctx, "agent-a", models.ScopeShortTerm, &sess.ID, "topic")
	assert.True(t, store.IsNotFound(err))
}

func TestCloseSession_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	first, err := r.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	second, err := r.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ClosedAt, second.ClosedAt)
}

func TestRemoveParticipant_DropsDirectedMessages(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "agent-a", nil, 0)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "agent-b", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "directed", SessionID: sess.ID, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest,
	}))
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "broadcast", SessionID: sess.ID, FromAgent: "agent-a",
		Type: models.MessageBroadcast,
	}))

	require.NoError(t, r.RemoveParticipant(ctx, sess.ID, "agent-b"))

	_, err = s.GetMessage(ctx, "directed")
	assert.True(t, store.IsNotFound(err), "directed message should be dropped")
	_, err = s.GetMessage(ctx, "broadcast")
	assert.NoError(t, err, "broadcast must survive for remaining participants")

	_, err = s.GetParticipant(ctx, sess.ID, "agent-b")
	assert.True(t, store.IsNotFound(err))
}

func TestTriggerMatching(t *testing.T) {
	cases := []struct {
		name   string
		tc     *models.TriggerConfig
		text   string
		intent string
		want   bool
	}{
		{"nil config", nil, "anything", "any", false},
		{"always", &models.TriggerConfig{Always: true}, "", "", true},
		{"keyword hit", &models.TriggerConfig{Keywords: []string{"refund"}}, "I want a REFUND now", "", true},
		{"keyword miss", &models.TriggerConfig{Keywords: []string{"refund"}}, "hello there", "", false},
		{"intent hit", &models.TriggerConfig{Intents: []string{"billing_question"}}, "", "Billing_Question", true},
		{"intent miss", &models.TriggerConfig{Intents: []string{"billing_question"}}, "", "smalltalk", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, registry.Matches(tc.tc, tc.text, tc.intent))
		})
	}
}

func TestMatchingParticipants_PriorityOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "generalist", &models.TriggerConfig{Always: true}, 1)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "specialist", &models.TriggerConfig{Keywords: []string{"refund"}}, 10)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx, sess.ID, "lurker", nil, 3)
	require.NoError(t, err)

	matched, err := r.MatchingParticipants(ctx, sess.ID, "please process my refund", "")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "specialist", matched[0].AgentID, "highest priority first")
}
