// Package retention implements the background data retention sweep.
// Each cycle purges expired bus messages, expired memory records, raw
// usage metrics past their retention window, and episodic summaries
// over the per-agent caps.
//
// Usage metrics are rolled up into hourly aggregates before the raw
// rows are deleted. Rollup failure is fail-safe: raw rows are NOT
// deleted if the rollup pass errors.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// DefaultUsageRetentionDays keeps raw usage metrics for 90 days.
const DefaultUsageRetentionDays = models.DefaultUsageRetainDays

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	MessagesPurged int
	MemoryPurged   int
	UsagePurged    int
	RollupsWritten int
	EpisodesPurged int
	Errors         []error
}

// Janitor periodically purges expired data.
type Janitor struct {
	store           store.Store
	memory          *memory.Service
	governor        *usage.Governor
	interval        time.Duration
	usageRetainDays int
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(s store.Store, mem *memory.Service, gov *usage.Governor, interval time.Duration, usageRetainDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if usageRetainDays <= 0 {
		usageRetainDays = DefaultUsageRetentionDays
	}
	return &Janitor{
		store:           s,
		memory:          mem,
		governor:        gov,
		interval:        interval,
		usageRetainDays: usageRetainDays,
	}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("usage_retain_days", j.usageRetainDays).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep and reports what it removed.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	now := start.UTC()
	var stats CycleStats

	n, err := j.store.DeleteExpiredMessages(ctx, now)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("retention: expired message purge failed")
	}
	stats.MessagesPurged = n

	n, err = j.store.DeleteExpiredMemory(ctx, now)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("retention: expired memory purge failed")
	}
	stats.MemoryPurged = n

	stats.UsagePurged, stats.RollupsWritten = j.purgeUsage(ctx, now, &stats)

	n, err = j.memory.EnforceEpisodeCaps(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("retention: episode cap enforcement failed")
	}
	stats.EpisodesPurged = n

	elapsed := time.Since(start)
	if stats.MessagesPurged > 0 || stats.MemoryPurged > 0 || stats.UsagePurged > 0 || stats.EpisodesPurged > 0 {
		log.Info().
			Int("messages", stats.MessagesPurged).
			Int("memory_records", stats.MemoryPurged).
			Int("usage_metrics", stats.UsagePurged).
			Int("rollups", stats.RollupsWritten).
			Int("episodes", stats.EpisodesPurged).
			Dur("elapsed", elapsed).
			Msg("🧹 retention cycle complete")
	}
	return stats
}

// purgeUsage rolls expiring raw metrics into hourly aggregates, then
// deletes them. Raw rows survive when the rollup pass fails.
func (j *Janitor) purgeUsage(ctx context.Context, now time.Time, stats *CycleStats) (purged, rollups int) {
	cutoff := now.AddDate(0, 0, -j.usageRetainDays)

	// Roll up everything, not just the expiring span: a backlog older
	// than the window must land in aggregates before the rows go.
	rollups, err := j.governor.RollupHourly(ctx, time.Time{})
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("retention: usage rollup failed, skipping purge")
		return 0, 0
	}

	purged, err = j.store.DeleteUsageBefore(ctx, cutoff)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		log.Warn().Err(err).Msg("retention: usage purge failed")
		return 0, rollups
	}
	return purged, rollups
}
