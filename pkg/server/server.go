// Package server provides the public entry point for initializing the
// AgentLoom orchestrator.
//
// This package exists in pkg/ (not internal/) so that embedding
// services can import it and compose the full server with their own
// middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/api"
	"github.com/agentloom/agentloom/orchestrator/internal/api/handlers"
	"github.com/agentloom/agentloom/orchestrator/internal/approval"
	"github.com/agentloom/agentloom/orchestrator/internal/bus"
	"github.com/agentloom/agentloom/orchestrator/internal/config"
	"github.com/agentloom/agentloom/orchestrator/internal/graph"
	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/notify"
	"github.com/agentloom/agentloom/orchestrator/internal/orchestrator"
	"github.com/agentloom/agentloom/orchestrator/internal/registry"
	"github.com/agentloom/agentloom/orchestrator/internal/retention"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/internal/telemetry"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (Postgres when DATABASE_URL is set,
	// otherwise the in-memory snapshot store). Exposed so embedding
	// services can reuse it in their own middleware.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and closes the store. Call it on
	// graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all orchestrator components from the environment and
// returns a ready Server. Background loops (bus sweeper, approval
// watcher, retention janitor) run until ctx is cancelled.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Notification service backs approval prompts and budget alerts.
	notifier := notify.NewService(dataStore)

	summarizer := pickSummarizer(cfg)
	mem := memory.New(dataStore, summarizer,
		memory.WithSummaryThreshold(cfg.Memory.SummaryThreshold),
		memory.WithEpisodeCaps(cfg.Memory.MaxEpisodes, cfg.Memory.EpisodeRetainDays),
	)

	g := graph.New(dataStore)

	gov := usage.New(dataStore, notifier,
		usage.WithDefaults(cfg.Budget.DefaultDailyUSD, cfg.Budget.DefaultMonthlyUSD, cfg.Budget.AlertThreshold),
	)

	appr := approval.New(dataStore, notifier,
		approval.WithDefaultTimeout(time.Duration(cfg.Approval.DefaultTimeoutSeconds)*time.Second),
		approval.WithReminders(time.Duration(cfg.Approval.ReminderIntervalSecs)*time.Second, cfg.Approval.MaxReminders),
		approval.WithTokenTTL(time.Duration(cfg.Approval.TokenValiditySeconds)*time.Second),
		approval.WithResolver(notify.NewChannelDirectory(dataStore)),
	)

	b := bus.New(dataStore,
		bus.WithDefaultTTL(cfg.Bus.DefaultTTLSeconds),
		bus.WithMaxHops(cfg.Bus.MaxHops),
	)

	reg := registry.New(dataStore)
	reg.SetApprovalExpirer(appr)
	reg.SetSummarizeHook(func(ctx context.Context, sessionID string) error {
		_, err := mem.Summarize(ctx, sessionID, false)
		return err
	})

	orch := orchestrator.New(b, mem, g, gov, appr)

	// Background loops
	b.StartSweeper(ctx, time.Duration(cfg.Bus.SweepSeconds)*time.Second)
	appr.Start(ctx, time.Duration(cfg.Approval.WatcherIntervalSeconds)*time.Second)
	janitor := retention.NewJanitor(dataStore, mem, gov,
		time.Duration(cfg.Retention.IntervalSeconds)*time.Second,
		cfg.Retention.UsageRetainDays,
	)
	go janitor.Start(ctx)

	h := handlers.New(dataStore, reg, b, mem, g, appr, gov, orch)
	router := api.NewRouter(cfg, h)

	shutdown := func(shutdownCtx context.Context) error {
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return shutdownTelemetry(shutdownCtx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore picks Postgres when a database URL is configured, otherwise
// the in-memory snapshot store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ Postgres store initialized")
		return s, nil
	}
	s := store.NewMemoryStore()
	log.Info().Msg("✅ In-memory store initialized")
	return s, nil
}

// pickSummarizer uses the OpenAI-backed summarizer when an API key is
// configured, falling back to the deterministic heuristic one.
func pickSummarizer(cfg *config.Config) contracts.Summarizer {
	if cfg.Summarize.OpenAIKey != "" {
		log.Info().Str("model", cfg.Summarize.Model).Msg("✅ OpenAI summarizer initialized")
		return memory.NewOpenAISummarizer(cfg.Summarize.OpenAIKey, cfg.Summarize.Model)
	}
	log.Info().Msg("✅ Heuristic summarizer initialized (no OPENAI_API_KEY)")
	return memory.NewHeuristicSummarizer()
}
