package retention_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/retention"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

func newTestJanitor(t *testing.T) (*retention.Janitor, store.Store, *usage.Governor) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })

	mem := memory.New(s, memory.NewHeuristicSummarizer(), memory.WithEpisodeCaps(2, 365))
	gov := usage.New(s, nil)
	j := retention.NewJanitor(s, mem, gov, time.Hour, 90)
	return j, s, gov
}

func strPtr(s string) *string { return &s }

func TestRunCycle_PurgesExpired(t *testing.T) {
	j, s, _ := newTestJanitor(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Minute)

	// One expired message (TTL 30s, created 2m ago), one immortal.
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "m-old", SessionID: "sess-1", FromAgent: "a",
		Type: models.MessageBroadcast, TTLSeconds: 30, CreatedAt: old,
	}))
	require.NoError(t, s.CreateMessage(ctx, &models.A2AMessage{
		ID: "m-keep", SessionID: "sess-1", FromAgent: "a",
		Type: models.MessageBroadcast, TTLSeconds: 0, CreatedAt: old,
	}))

	// One expired memory record.
	exp := old.Add(time.Minute)
	require.NoError(t, s.UpsertMemory(ctx, &models.MemoryRecord{
		ID: "r-old", Owner: "a", Scope: models.ScopeShortTerm,
		SessionID: strPtr("sess-1"), Key: "k", Value: "v",
		ExpiresAt: &exp, CreatedAt: old, UpdatedAt: old,
	}))

	stats := j.RunCycle(ctx)
	assert.Equal(t, 1, stats.MessagesPurged)
	assert.Equal(t, 1, stats.MemoryPurged)
	assert.Empty(t, stats.Errors)

	_, err := s.GetMessage(ctx, "m-keep")
	assert.NoError(t, err, "TTL 0 message survives")
}

func TestRunCycle_RollsUpBeforeUsagePurge(t *testing.T) {
	j, s, gov := newTestJanitor(t)
	ctx := context.Background()
	stale := time.Now().UTC().AddDate(0, 0, -91)

	require.NoError(t, s.CreateUsage(ctx, &models.UsageMetric{
		ID: "u-old", AgentID: "agent-a", Model: "gpt-4",
		LatencyMs: 120, Success: true, Timestamp: stale,
	}))
	require.NoError(t, s.CreateUsage(ctx, &models.UsageMetric{
		ID: "u-new", AgentID: "agent-a", Model: "gpt-4",
		LatencyMs: 80, Success: true, Timestamp: time.Now().UTC(),
	}))

	stats := j.RunCycle(ctx)
	assert.Equal(t, 1, stats.UsagePurged)
	assert.GreaterOrEqual(t, stats.RollupsWritten, 1)

	// The purged row's hour is preserved as an aggregate.
	rollups, err := gov.Aggregate(ctx, "agent-a", stale.Add(-time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, rollups)

	metrics, err := s.ListUsage(ctx, models.UsageFilter{AgentID: "agent-a"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "u-new", metrics[0].ID)
}

func TestRunCycle_EnforcesEpisodeCaps(t *testing.T) {
	j, s, _ := newTestJanitor(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, s.CreateEpisode(ctx, &models.EpisodicSummary{
			ID: id, UserID: "u", AgentID: "agent-a", SessionID: "sess-" + id,
			Fingerprint: "fp-" + id, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	stats := j.RunCycle(ctx)
	assert.Equal(t, 1, stats.EpisodesPurged, "cap of 2 drops the oldest")
}
