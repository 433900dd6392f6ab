package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentloom/agentloom/orchestrator/internal/api/handlers"
	"github.com/agentloom/agentloom/orchestrator/internal/api/middleware"
	"github.com/agentloom/agentloom/orchestrator/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.ActorExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Sessions & participants
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.CloseSession)
				r.Post("/summarize", h.SummarizeSession)
				r.Route("/participants", func(r chi.Router) {
					r.Get("/", h.ListParticipants)
					r.Post("/", h.AddParticipant)
					r.Delete("/{agentId}", h.RemoveParticipant)
				})
			})
		})

		// Intents
		r.Route("/intents", func(r chi.Router) {
			r.Post("/", h.SubmitIntent)
			r.Get("/{intentId}", h.GetIntentResult)
		})

		// Agent-to-agent messages
		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.PollMessages)
			r.Post("/", h.PublishMessage)
			r.Post("/{messageId}/ack", h.AckMessage)
		})

		// Memory
		r.Route("/memory", func(r chi.Router) {
			r.Get("/", h.ReadMemory)
			r.Put("/", h.WriteMemory)
			r.Delete("/", h.DeleteMemory)
			r.Get("/episodes", h.ListEpisodes)
		})

		// Knowledge graph
		r.Route("/graph", func(r chi.Router) {
			r.Post("/entities", h.UpsertEntity)
			r.Post("/relationships", h.AddRelationship)
			r.Get("/query", h.QueryGraph)
			r.Get("/path", h.FindPath)
			r.Post("/federate", h.FederateEntities)
		})

		// Approvals
		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.RequestApproval)
			r.Route("/chains", func(r chi.Router) {
				r.Get("/", h.ListChains)
				r.Post("/", h.CreateChain)
				r.Get("/{chainId}", h.GetChain)
			})
			r.Post("/token/{token}", h.RedeemToken)
			r.Route("/{requestId}", func(r chi.Router) {
				r.Get("/", h.ApprovalStatus)
				r.Post("/decide", h.DecideApproval)
				r.Post("/cancel", h.CancelApproval)
				r.Get("/audit", h.ApprovalAudit)
				r.Post("/token", h.IssueToken)
			})
		})

		// Usage & budgets
		r.Route("/usage", func(r chi.Router) {
			r.Get("/", h.ListUsage)
			r.Post("/", h.RecordUsage)
			r.Get("/rollups", h.ListRollups)
			r.Route("/budget/{agentId}", func(r chi.Router) {
				r.Get("/", h.CheckBudget)
				r.Put("/", h.SetBudget)
				r.Get("/details", h.GetBudget)
			})
		})

		// Notification channels
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", h.ListChannels)
			r.Post("/", h.CreateChannel)
			r.Delete("/{channelId}", h.DeleteChannel)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentloom-orchestrator",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentloom-orchestrator",
		})
	}
}
