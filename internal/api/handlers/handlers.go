// Package handlers implements the HTTP handlers for the AgentLoom
// orchestrator. All handlers go through the service layer; typed domain
// errors map to HTTP status codes in respondDomainError.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/approval"
	"github.com/agentloom/agentloom/orchestrator/internal/bus"
	"github.com/agentloom/agentloom/orchestrator/internal/graph"
	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/orchestrator"
	"github.com/agentloom/agentloom/orchestrator/internal/registry"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/middleware"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Registry     *registry.Registry
	Bus          *bus.Bus
	Memory       *memory.Service
	Graph        *graph.Service
	Approvals    *approval.Engine
	Governor     *usage.Governor
	Orchestrator *orchestrator.Orchestrator
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, reg *registry.Registry, b *bus.Bus, mem *memory.Service, g *graph.Service, appr *approval.Engine, gov *usage.Governor, orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{
		Store:        s,
		Registry:     reg,
		Bus:          b,
		Memory:       mem,
		Graph:        g,
		Approvals:    appr,
		Governor:     gov,
		Orchestrator: orch,
	}
}

// ── Sessions ─────────────────────────────────────────────────

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string                 `json:"user_id"`
		Title    string                 `json:"title"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sess, err := h.Registry.CreateSession(r.Context(), req.UserID, req.Title, req.Metadata)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Registry.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	sessions, err := h.Registry.ListSessions(r.Context(), userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Registry.CloseSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ── Participants ─────────────────────────────────────────────

func (h *Handlers) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string                `json:"agent_id"`
		Trigger  *models.TriggerConfig `json:"trigger"`
		Priority int                   `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	p, err := h.Registry.AddParticipant(r.Context(), chi.URLParam(r, "sessionId"), req.AgentID, req.Trigger, req.Priority)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *Handlers) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.Registry.RemoveParticipant(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "agentId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Registry.ListParticipants(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if participants == nil {
		participants = []models.AgentParticipant{}
	}
	respondJSON(w, http.StatusOK, participants)
}

// ── Intents ──────────────────────────────────────────────────

func (h *Handlers) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var intent models.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.Orchestrator.SubmitIntent(r.Context(), &intent)
	if err != nil {
		if res != nil {
			// Denied and failed intents carry a result body alongside
			// the status code.
			respondJSON(w, domainStatus(err), res)
			return
		}
		respondDomainError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == models.IntentPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func (h *Handlers) GetIntentResult(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Orchestrator.Result(chi.URLParam(r, "intentId"))
	if !ok {
		respondError(w, http.StatusNotFound, "intent not found")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Messages ─────────────────────────────────────────────────

func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.A2AMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.Bus.Publish(r.Context(), &msg)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// A correlated reply may resume an intent parked on delegation.
	msg.ID = id
	h.Orchestrator.ResumeReply(&msg)
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) PollMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	agentID := r.URL.Query().Get("agent")
	if sessionID == "" || agentID == "" {
		respondError(w, http.StatusBadRequest, "session and agent query parameters are required")
		return
	}
	msgs, err := h.Bus.Poll(r.Context(), sessionID, agentID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.A2AMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) AckMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Bus.Ack(r.Context(), chi.URLParam(r, "messageId"), req.AgentID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Memory ───────────────────────────────────────────────────

type memoryWriteRequest struct {
	Scope      models.MemoryScope `json:"scope"`
	Owner      string             `json:"owner"`
	SessionID  *string            `json:"session_id,omitempty"`
	Key        string             `json:"key"`
	Value      string             `json:"value"`
	TTLSeconds int                `json:"ttl_seconds,omitempty"`
}

func (h *Handlers) WriteMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Owner == "" || req.Key == "" {
		respondError(w, http.StatusBadRequest, "owner and key are required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	rec, err := h.Memory.Write(r.Context(), req.Scope, req.Owner, req.SessionID, req.Key, req.Value, ttl)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) ReadMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	scope := models.MemoryScope(q.Get("scope"))
	key := q.Get("key")
	var sessionID *string
	if s := q.Get("session"); s != "" {
		sessionID = &s
	}
	if owner == "" || scope == "" {
		respondError(w, http.StatusBadRequest, "owner and scope query parameters are required")
		return
	}
	if key == "" {
		records, err := h.Memory.List(r.Context(), owner, scope, sessionID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		if records == nil {
			records = []models.MemoryRecord{}
		}
		respondJSON(w, http.StatusOK, records)
		return
	}
	rec, err := h.Memory.Read(r.Context(), owner, scope, sessionID, key)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	scope := models.MemoryScope(q.Get("scope"))
	key := q.Get("key")
	var sessionID *string
	if s := q.Get("session"); s != "" {
		sessionID = &s
	}
	if owner == "" || scope == "" || key == "" {
		respondError(w, http.StatusBadRequest, "owner, scope and key query parameters are required")
		return
	}
	if err := h.Memory.Delete(r.Context(), owner, scope, sessionID, key); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SummarizeSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	episode, err := h.Memory.Summarize(r.Context(), chi.URLParam(r, "sessionId"), force)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if episode == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "below_threshold"})
		return
	}
	respondJSON(w, http.StatusCreated, episode)
}

func (h *Handlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	episodes, err := h.Memory.Episodes(r.Context(), q.Get("user"), q.Get("agent"), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if episodes == nil {
		episodes = []models.EpisodicSummary{}
	}
	respondJSON(w, http.StatusOK, episodes)
}

// ── Knowledge graph ──────────────────────────────────────────

func (h *Handlers) UpsertEntity(w http.ResponseWriter, r *http.Request) {
	var in graph.EntityInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entity, err := h.Graph.UpsertEntity(r.Context(), in)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) AddRelationship(w http.ResponseWriter, r *http.Request) {
	var in graph.RelationshipInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rel, err := h.Graph.AddRelationship(r.Context(), in)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

func (h *Handlers) QueryGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent")
	name := q.Get("name")
	if agentID == "" || name == "" {
		respondError(w, http.StatusBadRequest, "agent and name query parameters are required")
		return
	}
	nb, err := h.Graph.Query(r.Context(), agentID, name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nb)
}

func (h *Handlers) FindPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	depth := 0
	if d := q.Get("depth"); d != "" {
		depth, _ = strconv.Atoi(d)
	}
	path, err := h.Graph.FindPath(r.Context(), q.Get("agent"), q.Get("from"), q.Get("to"), depth)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if path == nil {
		respondError(w, http.StatusNotFound, "no path found")
		return
	}
	respondJSON(w, http.StatusOK, path)
}

func (h *Handlers) FederateEntities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentIDs []string `json:"agent_ids"`
		Name     string   `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	merged, err := h.Graph.Federate(r.Context(), req.AgentIDs, req.Name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, merged)
}

// ── Approvals ────────────────────────────────────────────────

func (h *Handlers) RequestApproval(w http.ResponseWriter, r *http.Request) {
	var in approval.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := h.Approvals.Request(r.Context(), in)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	Action   models.ApprovalAction `json:"action"`
	Actor    string                `json:"actor,omitempty"`
	Comments string                `json:"comments,omitempty"`
}

func (d *decisionRequest) actor(r *http.Request) string {
	if d.Actor != "" {
		return d.Actor
	}
	return middleware.GetActor(r.Context())
}

func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decided, err := h.Approvals.Decide(r.Context(), chi.URLParam(r, "requestId"), req.Action, req.actor(r), req.Comments)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decided)
}

func (h *Handlers) CancelApproval(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Approvals.Cancel(r.Context(), chi.URLParam(r, "requestId"), middleware.GetActor(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

func (h *Handlers) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.Approvals.Status(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) ApprovalAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.Approvals.Audit(r.Context(), models.AuditFilter{RequestID: chi.URLParam(r, "requestId")})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok, err := h.Approvals.IssueToken(r.Context(), chi.URLParam(r, "requestId"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tok)
}

func (h *Handlers) RedeemToken(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decided, err := h.Approvals.RedeemToken(r.Context(), chi.URLParam(r, "token"), req.Action, req.actor(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decided)
}

// ── Approval chains ──────────────────────────────────────────

func (h *Handlers) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string                 `json:"name"`
		Levels       []models.ApprovalLevel `json:"levels"`
		StopOnReject bool                   `json:"stop_on_reject"`
		RequireAll   bool                   `json:"require_all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chain, err := h.Approvals.CreateChain(r.Context(), req.Name, req.Levels, req.StopOnReject, req.RequireAll)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, chain)
}

func (h *Handlers) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Approvals.GetChain(r.Context(), chi.URLParam(r, "chainId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chain)
}

func (h *Handlers) ListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.Approvals.ListChains(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if chains == nil {
		chains = []models.ApprovalChain{}
	}
	respondJSON(w, http.StatusOK, chains)
}

// ── Usage & budgets ──────────────────────────────────────────

func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var metric models.UsageMetric
	if err := json.NewDecoder(r.Body).Decode(&metric); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if metric.AgentID == "" || metric.Model == "" {
		respondError(w, http.StatusBadRequest, "agent_id and model are required")
		return
	}
	if err := h.Governor.Record(r.Context(), &metric); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, metric)
}

func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.UsageFilter{
		AgentID:   q.Get("agent"),
		SessionID: q.Get("session"),
		Model:     q.Get("model"),
	}
	if l := q.Get("limit"); l != "" {
		filter.Limit, _ = strconv.Atoi(l)
	}
	metrics, err := h.Governor.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if metrics == nil {
		metrics = []models.UsageMetric{}
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := h.Governor.Budget(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, budget)
}

func (h *Handlers) SetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DailyLimit     float64 `json:"daily_limit"`
		MonthlyLimit   float64 `json:"monthly_limit"`
		AlertThreshold float64 `json:"alert_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	budget, err := h.Governor.SetBudget(r.Context(), chi.URLParam(r, "agentId"), req.DailyLimit, req.MonthlyLimit, req.AlertThreshold)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, budget)
}

func (h *Handlers) CheckBudget(w http.ResponseWriter, r *http.Request) {
	estimated := 0.0
	if e := r.URL.Query().Get("estimated_cost"); e != "" {
		estimated, _ = strconv.ParseFloat(e, 64)
	}
	if err := h.Governor.CheckBudget(r.Context(), chi.URLParam(r, "agentId"), estimated); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

func (h *Handlers) ListRollups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent")
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "agent query parameter is required")
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -7)
	if s := q.Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	rollups, err := h.Governor.Aggregate(r.Context(), agentID, since)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if rollups == nil {
		rollups = []models.HourlyUsage{}
	}
	respondJSON(w, http.StatusOK, rollups)
}

// ── Notification channels ────────────────────────────────────

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch models.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ch.Name == "" || ch.Kind == "" {
		respondError(w, http.StatusBadRequest, "name and kind are required")
		return
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.Active = true
	ch.CreatedAt = time.Now().UTC()
	if err := h.Store.CreateChannel(r.Context(), &ch); err != nil {
		respondDomainError(w, err)
		return
	}
	log.Info().Str("channel", ch.Name).Str("kind", string(ch.Kind)).Msg("notification channel registered")
	respondJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Store.ListChannels(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if channels == nil {
		channels = []models.NotificationChannel{}
	}
	for i := range channels {
		channels[i].Secret = ""
	}
	respondJSON(w, http.StatusOK, channels)
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteChannel(r.Context(), chi.URLParam(r, "channelId")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Responses ────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps typed domain errors to HTTP status codes.
func respondDomainError(w http.ResponseWriter, err error) {
	respondError(w, domainStatus(err), err.Error())
}

func domainStatus(err error) int {
	var (
		budget    *models.BudgetExceededError
		notPend   *models.RequestNotPendingError
		tokenUsed *models.TokenAlreadyUsedError
		keyConf   *models.MemoryKeyConflictError
		graphCon  *models.GraphConstraintError
		unknown   *models.UnknownAgentError
		hopLimit  *models.HopLimitError
		expired   *models.ExpiredMessageError
	)
	switch {
	case errors.As(err, &budget):
		return http.StatusPaymentRequired
	case errors.As(err, &notPend), errors.As(err, &tokenUsed),
		errors.As(err, &keyConf), errors.As(err, &graphCon):
		return http.StatusConflict
	case errors.As(err, &unknown), store.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &hopLimit), errors.As(err, &expired):
		return http.StatusUnprocessableEntity
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
