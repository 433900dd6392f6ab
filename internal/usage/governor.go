// Package usage tracks model spend per agent and enforces daily and
// monthly budgets. The budget gate runs BEFORE a model call; a denied
// call is never recorded as usage. Hourly rollups are derived,
// rebuildable aggregates and play no part in budget decisions.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Notifier receives budget threshold alerts.
type Notifier interface {
	Notify(ctx context.Context, kind models.NotifyKind, event contracts.NotificationEvent) error
}

// Governor is the usage and budget service.
type Governor struct {
	store    store.Store
	notifier Notifier

	defaultDaily   float64
	defaultMonthly float64
	alertThreshold float64

	// now is swappable for tests.
	now func() time.Time
}

type Option func(*Governor)

func WithDefaults(daily, monthly, alertThreshold float64) Option {
	return func(g *Governor) {
		g.defaultDaily = daily
		g.defaultMonthly = monthly
		g.alertThreshold = alertThreshold
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

func New(st store.Store, notifier Notifier, opts ...Option) *Governor {
	g := &Governor{
		store:          st,
		notifier:       notifier,
		defaultDaily:   models.DefaultDailyLimitUSD,
		defaultMonthly: models.DefaultMonthlyLimitUSD,
		alertThreshold: models.DefaultAlertThreshold,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ── Budget gate ─────────────────────────────────────────────

// CheckBudget gates a model call. It lazily resets expired windows,
// then denies when the estimated cost would push either window past
// its limit. Crossing the alert threshold fires one notification per
// window.
func (g *Governor) CheckBudget(ctx context.Context, agentID string, estimatedCost float64) error {
	now := g.now()
	budget, err := g.budgetFor(ctx, agentID, now)
	if err != nil {
		return err
	}

	if budget.DailySpend+estimatedCost > budget.DailyLimit {
		return &models.BudgetExceededError{
			AgentID: agentID, Window: "daily",
			Limit: budget.DailyLimit, Spent: budget.DailySpend, Estimated: estimatedCost,
		}
	}
	if budget.MonthlySpend+estimatedCost > budget.MonthlyLimit {
		return &models.BudgetExceededError{
			AgentID: agentID, Window: "monthly",
			Limit: budget.MonthlyLimit, Spent: budget.MonthlySpend, Estimated: estimatedCost,
		}
	}
	return nil
}

// Record persists a usage metric and accrues its cost against the
// agent's budget windows.
func (g *Governor) Record(ctx context.Context, m *models.UsageMetric) error {
	now := g.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.TotalTokens == 0 {
		m.TotalTokens = m.InputTokens + m.OutputTokens
	}
	if m.EstimatedCost == 0 && !m.Cached {
		m.EstimatedCost = EstimateCost(m.Model, m.InputTokens, m.OutputTokens)
	}
	if err := g.store.CreateUsage(ctx, m); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if m.EstimatedCost > 0 {
		if err := g.accrue(ctx, m.AgentID, m.EstimatedCost, now); err != nil {
			return err
		}
	}
	return nil
}

func (g *Governor) accrue(ctx context.Context, agentID string, cost float64, now time.Time) error {
	budget, err := g.budgetFor(ctx, agentID, now)
	if err != nil {
		return err
	}
	budget.DailySpend += cost
	budget.MonthlySpend += cost
	budget.UpdatedAt = now

	g.maybeAlert(ctx, budget, "daily", budget.DailySpend, budget.DailyLimit, &budget.DailyAlertSent)
	g.maybeAlert(ctx, budget, "monthly", budget.MonthlySpend, budget.MonthlyLimit, &budget.MonthlyAlertSent)

	return g.store.PutBudget(ctx, budget)
}

func (g *Governor) maybeAlert(ctx context.Context, budget *models.Budget, window string, spent, limit float64, sent *bool) {
	if *sent || limit <= 0 || spent < budget.AlertThreshold*limit {
		return
	}
	*sent = true
	log.Warn().
		Str("agent_id", budget.AgentID).
		Str("window", window).
		Float64("spent", spent).
		Float64("limit", limit).
		Msg("💸 budget alert threshold crossed")
	if g.notifier == nil {
		return
	}
	event := contracts.NotificationEvent{
		Type:    "budget_alert",
		AgentID: budget.AgentID,
		Message: fmt.Sprintf("agent %s spent %.2f of %.2f USD (%s window)", budget.AgentID, spent, limit, window),
		Payload: map[string]interface{}{
			"window": window,
			"spent":  spent,
			"limit":  limit,
		},
		Timestamp: g.now(),
	}
	if err := g.notifier.Notify(ctx, models.NotifyInApp, event); err != nil {
		log.Warn().Err(err).Str("agent_id", budget.AgentID).Msg("budget alert dispatch failed")
	}
}

// budgetFor loads the agent's budget, creating defaults on first touch
// and lazily resetting any window whose boundary has passed.
func (g *Governor) budgetFor(ctx context.Context, agentID string, now time.Time) (*models.Budget, error) {
	budget, err := g.store.GetBudget(ctx, agentID)
	if store.IsNotFound(err) {
		budget = models.DefaultBudget(agentID, now)
		budget.DailyLimit = g.defaultDaily
		budget.MonthlyLimit = g.defaultMonthly
		budget.AlertThreshold = g.alertThreshold
		if err := g.store.PutBudget(ctx, budget); err != nil {
			return nil, err
		}
		return budget, nil
	}
	if err != nil {
		return nil, err
	}

	dirty := false
	if !now.Before(budget.DailyResetAt) {
		budget.DailySpend = 0
		budget.DailyAlertSent = false
		budget.DailyResetAt = nextUTCDay(now)
		dirty = true
	}
	if !now.Before(budget.MonthlyResetAt) {
		budget.MonthlySpend = 0
		budget.MonthlyAlertSent = false
		budget.MonthlyResetAt = nextUTCMonth(now)
		dirty = true
	}
	if dirty {
		budget.UpdatedAt = now
		if err := g.store.PutBudget(ctx, budget); err != nil {
			return nil, err
		}
	}
	return budget, nil
}

// SetBudget overrides an agent's limits, preserving accrued spend.
func (g *Governor) SetBudget(ctx context.Context, agentID string, daily, monthly, alertThreshold float64) (*models.Budget, error) {
	now := g.now()
	budget, err := g.budgetFor(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	budget.DailyLimit = daily
	budget.MonthlyLimit = monthly
	budget.AlertThreshold = alertThreshold
	budget.UpdatedAt = now
	if err := g.store.PutBudget(ctx, budget); err != nil {
		return nil, err
	}
	return budget, nil
}

// Budget returns the agent's current (lazily reset) budget state.
func (g *Governor) Budget(ctx context.Context, agentID string) (*models.Budget, error) {
	return g.budgetFor(ctx, agentID, g.now())
}

func nextUTCDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func nextUTCMonth(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// ── Rollups ─────────────────────────────────────────────────

// RollupHourly aggregates raw metrics since the cutoff into per
// (agent, model, hour) rows. Re-running over the same span is safe: the
// whole bucket is recomputed and upserted.
func (g *Governor) RollupHourly(ctx context.Context, since time.Time) (int, error) {
	metrics, err := g.store.ListUsage(ctx, models.UsageFilter{Since: since})
	if err != nil {
		return 0, err
	}

	type bucketKey struct {
		agent string
		model string
		hour  time.Time
	}
	buckets := make(map[bucketKey][]models.UsageMetric)
	for _, m := range metrics {
		k := bucketKey{agent: m.AgentID, model: m.Model, hour: m.Timestamp.UTC().Truncate(time.Hour)}
		buckets[k] = append(buckets[k], m)
	}

	written := 0
	for k, ms := range buckets {
		r := &models.HourlyUsage{
			ID:      uuid.NewString(),
			AgentID: k.agent,
			Model:   k.model,
			Hour:    k.hour,
		}
		latencies := make([]int64, 0, len(ms))
		for _, m := range ms {
			r.Calls++
			if m.Success {
				r.Successes++
			} else {
				r.Failures++
			}
			if m.Cached {
				r.CacheHits++
			} else {
				r.CacheMisses++
			}
			r.InputTokens += m.InputTokens
			r.OutputTokens += m.OutputTokens
			r.TotalCost += m.EstimatedCost
			latencies = append(latencies, m.LatencyMs)
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		r.P50LatencyMs = percentile(latencies, 50)
		r.P95LatencyMs = percentile(latencies, 95)
		r.P99LatencyMs = percentile(latencies, 99)

		if err := g.store.UpsertRollup(ctx, r); err != nil {
			return written, fmt.Errorf("upsert rollup: %w", err)
		}
		written++
	}
	return written, nil
}

// Aggregate returns rollups for an agent since a point in time.
func (g *Governor) Aggregate(ctx context.Context, agentID string, since time.Time) ([]models.HourlyUsage, error) {
	return g.store.ListRollups(ctx, agentID, since)
}

// List exposes raw metrics for inspection.
func (g *Governor) List(ctx context.Context, filter models.UsageFilter) ([]models.UsageMetric, error) {
	return g.store.ListUsage(ctx, filter)
}

// percentile indexes into a sorted slice; pct is 0..100.
func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
