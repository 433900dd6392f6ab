package usage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

type countingNotifier struct {
	alerts int
}

func (n *countingNotifier) Notify(_ context.Context, _ models.NotifyKind, _ contracts.NotificationEvent) error {
	n.alerts++
	return nil
}

// fakeClock lets tests march time across window boundaries.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(t *testing.T, opts ...usage.Option) (*usage.Governor, store.Store, *countingNotifier) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	n := &countingNotifier{}
	return usage.New(s, n, opts...), s, n
}

func TestEstimateCost(t *testing.T) {
	cases := []struct {
		model    string
		in, out  int64
		expected float64
	}{
		{"gpt-4", 1000, 1000, 0.09},
		{"gpt-4o-mini", 1000, 1000, 0.00075},
		{"gpt-4o-mini-2024-07-18", 1000, 1000, 0.00075}, // family prefix
		{"claude-3-haiku", 2000, 0, 0.0005},
		{"ollama/llama3", 100000, 100000, 0},
		{"local/custom", 5000, 5000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			assert.InDelta(t, tc.expected, usage.EstimateCost(tc.model, tc.in, tc.out), 1e-9)
		})
	}
}

func TestCheckBudget_DenyOverLimit(t *testing.T) {
	g, _, _ := newTestGovernor(t, usage.WithDefaults(1.0, 10.0, 0.8))
	ctx := context.Background()

	require.NoError(t, g.CheckBudget(ctx, "agent", 0.9))

	// Accrue spend, then an estimate that would cross the daily limit
	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "x", RequestType: models.RequestChat,
		Success: true, EstimatedCost: 0.9,
	}))

	err := g.CheckBudget(ctx, "agent", 0.2)
	var bee *models.BudgetExceededError
	require.True(t, errors.As(err, &bee))
	assert.Equal(t, "daily", bee.Window)
	assert.Equal(t, 1.0, bee.Limit)
	assert.InDelta(t, 0.9, bee.Spent, 1e-9)

	// A smaller call still fits
	assert.NoError(t, g.CheckBudget(ctx, "agent", 0.05))
}

func TestCheckBudget_MonthlyWindow(t *testing.T) {
	g, _, _ := newTestGovernor(t, usage.WithDefaults(100.0, 1.0, 0.8))
	ctx := context.Background()

	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "x", Success: true, EstimatedCost: 0.95,
	}))

	err := g.CheckBudget(ctx, "agent", 0.1)
	var bee *models.BudgetExceededError
	require.True(t, errors.As(err, &bee))
	assert.Equal(t, "monthly", bee.Window)
}

func TestLazyWindowReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC)}
	g, _, _ := newTestGovernor(t,
		usage.WithDefaults(1.0, 100.0, 0.8),
		usage.WithClock(clock.now),
	)
	ctx := context.Background()

	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "x", Success: true, EstimatedCost: 0.95,
	}))
	err := g.CheckBudget(ctx, "agent", 0.2)
	assert.Error(t, err, "over the daily limit before midnight")

	// Cross the UTC day boundary: first check resets the window
	clock.advance(3 * time.Hour)
	require.NoError(t, g.CheckBudget(ctx, "agent", 0.2))

	budget, err := g.Budget(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 0.0, budget.DailySpend)
	assert.InDelta(t, 0.95, budget.MonthlySpend, 1e-9, "monthly window unaffected by day rollover")
}

func TestAlert_OncePerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	g, _, n := newTestGovernor(t,
		usage.WithDefaults(1.0, 1000.0, 0.8),
		usage.WithClock(clock.now),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Record(ctx, &models.UsageMetric{
			AgentID: "agent", Model: "x", Success: true, EstimatedCost: 0.3,
		}))
	}
	assert.Equal(t, 1, n.alerts, "threshold crossed repeatedly, alerted once")

	// Next day: window resets, threshold can alert again
	clock.advance(24 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Record(ctx, &models.UsageMetric{
			AgentID: "agent", Model: "x", Success: true, EstimatedCost: 0.3,
		}))
	}
	assert.Equal(t, 2, n.alerts)
}

func TestRecord_FillsCostAndTokens(t *testing.T) {
	g, s, _ := newTestGovernor(t)
	ctx := context.Background()

	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "gpt-4", RequestType: models.RequestChat,
		InputTokens: 1000, OutputTokens: 1000, Success: true,
	}))

	metrics, err := s.ListUsage(ctx, models.UsageFilter{AgentID: "agent"})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(2000), metrics[0].TotalTokens)
	assert.InDelta(t, 0.09, metrics[0].EstimatedCost, 1e-9)
}

func TestRollupHourly_Percentiles(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()
	hour := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 100; i++ {
		require.NoError(t, g.Record(ctx, &models.UsageMetric{
			ID: fmt.Sprintf("m-%03d", i), AgentID: "agent", Model: "gpt-4",
			LatencyMs: int64(i * 10), Success: i%10 != 0, Cached: i%4 == 0,
			InputTokens: 100, OutputTokens: 50,
			Timestamp: hour.Add(time.Duration(i) * time.Second),
		}))
	}

	written, err := g.RollupHourly(ctx, hour.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	rollups, err := g.Aggregate(ctx, "agent", hour.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	r := rollups[0]
	assert.Equal(t, int64(100), r.Calls)
	assert.Equal(t, int64(90), r.Successes)
	assert.Equal(t, int64(10), r.Failures)
	assert.Equal(t, int64(25), r.CacheHits)
	assert.Equal(t, int64(510), r.P50LatencyMs)
	assert.Equal(t, int64(960), r.P95LatencyMs)
	assert.Equal(t, int64(1000), r.P99LatencyMs)
}

func TestRollupHourly_Rerunnable(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()
	hour := time.Now().UTC().Truncate(time.Hour)

	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "gpt-4", LatencyMs: 100, Success: true,
		Timestamp: hour.Add(time.Minute),
	}))

	_, err := g.RollupHourly(ctx, hour)
	require.NoError(t, err)
	_, err = g.RollupHourly(ctx, hour)
	require.NoError(t, err)

	rollups, err := g.Aggregate(ctx, "agent", hour)
	require.NoError(t, err)
	require.Len(t, rollups, 1, "rerun upserts, never duplicates")
	assert.Equal(t, int64(1), rollups[0].Calls)
}

func TestSetBudget_PreservesSpend(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	require.NoError(t, g.Record(ctx, &models.UsageMetric{
		AgentID: "agent", Model: "x", Success: true, EstimatedCost: 5,
	}))

	budget, err := g.SetBudget(ctx, "agent", 50, 500, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 50.0, budget.DailyLimit)
	assert.InDelta(t, 5.0, budget.DailySpend, 1e-9)
}
