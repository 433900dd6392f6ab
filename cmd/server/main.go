// AgentLoom Orchestrator: session-scoped coordination for agent fleets.
//
// This is the main entry point for the AgentLoom orchestrator server.
// It provides:
//   - Session Registry (membership and lifecycle)
//   - Message Bus (session-scoped agent-to-agent messaging)
//   - Memory Store (short-term, long-term, episodic)
//   - Knowledge Graph (entities and relationships)
//   - Approval Engine (human-in-the-loop gates)
//   - Usage Governor (spend budgets and rollups)
//   - In-memory store by default, Postgres when DATABASE_URL is set

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/pkg/server"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().Msg("🧵 AgentLoom orchestrator starting...")

	// Background loops stop when this context is cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Cleanup failed")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("▶️ AgentLoom orchestrator listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
