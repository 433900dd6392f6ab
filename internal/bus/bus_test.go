package bus_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/bus"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// newTestBus spins up a session with three active participants.
func newTestBus(t *testing.T, opts ...bus.Option) (*bus.Bus, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	sess := &models.Session{ID: "sess-1", UserID: "u", Status: models.SessionActive}
	require.NoError(t, s.CreateSession(ctx, sess))
	for _, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		require.NoError(t, s.AddParticipant(ctx, &models.AgentParticipant{
			SessionID: sess.ID, AgentID: agent, Active: true, JoinedAt: time.Now().UTC(),
		}))
	}
	return bus.New(s, opts...), s, sess.ID
}

func strPtr(s string) *string { return &s }

func TestPublishPollAck(t *testing.T) {
	b, _, sid := newTestBus(t)
	ctx := context.Background()

	id, err := b.Publish(ctx, &models.A2AMessage{
		SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, Payload: map[string]interface{}{"ask": "balance"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := b.Poll(ctx, sid, "agent-b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent-a", msgs[0].FromAgent)
	assert.Equal(t, models.DefaultMessageTTLSeconds, msgs[0].TTLSeconds)

	require.NoError(t, b.Ack(ctx, id, "agent-b"))

	// At most once: gone after ack, second ack errors
	msgs, err = b.Poll(ctx, sid, "agent-b")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Error(t, b.Ack(ctx, id, "agent-b"))
}

func TestPublish_UnknownTarget(t *testing.T) {
	b, _, sid := newTestBus(t)

	_, err := b.Publish(context.Background(), &models.A2AMessage{
		SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("stranger"),
		Type: models.MessageRequest,
	})
	var uae *models.UnknownAgentError
	require.True(t, errors.As(err, &uae))
	assert.Equal(t, "stranger", uae.AgentID)
}

func TestPublish_HopCeiling(t *testing.T) {
	b, _, sid := newTestBus(t, bus.WithMaxHops(3))

	_, err := b.Publish(context.Background(), &models.A2AMessage{
		SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageDelegate, HopCount: 3,
	})
	var hle *models.HopLimitError
	require.True(t, errors.As(err, &hle))
	assert.Equal(t, 3, hle.MaxHops)
}

func TestBroadcast_ExcludesSender(t *testing.T) {
	b, _, sid := newTestBus(t)
	ctx := context.Background()

	_, err := b.Broadcast(ctx, sid, "agent-a", map[string]interface{}{"note": "handing off"})
	require.NoError(t, err)

	for agent, want := range map[string]int{"agent-a": 0, "agent-b": 1, "agent-c": 1} {
		msgs, err := b.Poll(ctx, sid, agent)
		require.NoError(t, err)
		assert.Len(t, msgs, want, "agent %s", agent)
	}
}

func TestPoll_InactiveParticipantReceivesNothing(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, s.AddParticipant(ctx, &models.AgentParticipant{
		SessionID: sid, AgentID: "agent-d", Active: false, JoinedAt: time.Now().UTC(),
	}))

	_, err := b.Broadcast(ctx, sid, "agent-a", map[string]interface{}{"note": "hi"})
	require.NoError(t, err)

	msgs, err := b.Poll(ctx, sid, "agent-d")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Still delivered to the active ones.
	msgs, err = b.Poll(ctx, sid, "agent-b")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReply_KeepsCorrelationAndHops(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	id, err := b.Publish(ctx, &models.A2AMessage{
		SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, HopCount: 1,
	})
	require.NoError(t, err)

	orig, err := s.GetMessage(ctx, id)
	require.NoError(t, err)

	replyID, err := b.Reply(ctx, orig, "agent-b", map[string]interface{}{"answer": 42})
	require.NoError(t, err)

	reply, err := s.GetMessage(ctx, replyID)
	require.NoError(t, err)
	assert.Equal(t, id, reply.CorrelationID, "first reply correlates to the original id")
	assert.Equal(t, 2, reply.HopCount)
	require.NotNil(t, reply.ToAgent)
	assert.Equal(t, "agent-a", *reply.ToAgent)
	assert.Equal(t, models.MessageResponse, reply.Type)
}

func TestPoll_SkipsExpired(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	// Insert directly so we can backdate CreatedAt past the TTL
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "stale", SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, TTLSeconds: 10,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "eternal", SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, TTLSeconds: 0,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	msgs, err := b.Poll(ctx, sid, "agent-b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "eternal", msgs[0].ID)

	// Expired row was deleted on read
	_, err = s.GetMessage(ctx, "stale")
	assert.True(t, store.IsNotFound(err))
}

func TestAck_Expired(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "stale", SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, TTLSeconds: 10,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}))

	err := b.Ack(ctx, "stale", "agent-b")
	var eme *models.ExpiredMessageError
	assert.True(t, errors.As(err, &eme))
}

func TestSweep(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "stale", SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest, TTLSeconds: 10,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}))

	n, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublish_ClosedSession(t *testing.T) {
	b, s, sid := newTestBus(t)
	ctx := context.Background()

	sess, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	sess.Status = models.SessionClosed
	require.NoError(t, s.UpdateSession(ctx, sess))

	_, err = b.Publish(ctx, &models.A2AMessage{
		SessionID: sid, FromAgent: "agent-a", ToAgent: strPtr("agent-b"),
		Type: models.MessageRequest,
	})
	assert.Error(t, err)
}
