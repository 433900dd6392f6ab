// Package orchestrator is the composition root for agent intents. It
// routes each intent through a handler table, gating execution on the
// agent's budget and, when policy demands it, on a human approval.
// Suspended intents resume asynchronously when the decision lands or
// when a correlated reply arrives on the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/approval"
	"github.com/agentloom/agentloom/orchestrator/internal/bus"
	"github.com/agentloom/agentloom/orchestrator/internal/graph"
	"github.com/agentloom/agentloom/orchestrator/internal/memory"
	"github.com/agentloom/agentloom/orchestrator/internal/usage"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// ── Types ────────────────────────────────────────────────────

// Handler executes one intent kind. Handlers must be idempotent per
// intent ID: a resumed intent re-invokes the same handler.
type Handler func(ctx context.Context, it *models.Intent) (*models.IntentResult, error)

// GatePolicy decides whether an intent needs a human approval before
// execution. Returning ok=false lets the intent run immediately.
type GatePolicy func(it *models.Intent) (approval.RequestInput, bool)

// Orchestrator serializes intents per session and drives them through
// budget check, approval gate, execution, and usage recording.
type Orchestrator struct {
	bus       *bus.Bus
	memory    *memory.Service
	graph     *graph.Service
	governor  *usage.Governor
	approvals *approval.Engine

	handlers   map[models.IntentKind]Handler
	gate       GatePolicy
	maxRetries uint64

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	suspended    map[string]*models.Intent       // approval request ID -> intent
	awaiting     map[string]string               // correlation ID -> intent ID
	results      map[string]*models.IntentResult // intent ID -> final result
}

type Option func(*Orchestrator)

// WithGatePolicy replaces the default payload-flag approval gate.
func WithGatePolicy(g GatePolicy) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithMaxRetries bounds retries of transient store failures.
func WithMaxRetries(n uint64) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

func New(b *bus.Bus, mem *memory.Service, g *graph.Service, gov *usage.Governor, appr *approval.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:          b,
		memory:       mem,
		graph:        g,
		governor:     gov,
		approvals:    appr,
		handlers:     make(map[models.IntentKind]Handler),
		gate:         defaultGate,
		maxRetries:   3,
		sessionLocks: make(map[string]*sync.Mutex),
		suspended:    make(map[string]*models.Intent),
		awaiting:     make(map[string]string),
		results:      make(map[string]*models.IntentResult),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers[models.IntentSendMessage] = o.handleSend
	o.handlers[models.IntentBroadcast] = o.handleBroadcast
	o.handlers[models.IntentDelegate] = o.handleSend
	o.handlers[models.IntentCollaborate] = o.handleSend
	o.handlers[models.IntentRemember] = o.handleRemember
	o.handlers[models.IntentRecordFact] = o.handleRecordFact
	if appr != nil {
		appr.SetDecisionCallback(o.onDecision)
	}
	return o
}

// RegisterHandler adds or overrides the handler for an intent kind.
func (o *Orchestrator) RegisterHandler(kind models.IntentKind, h Handler) {
	o.handlers[kind] = h
}

// defaultGate requires approval when the intent payload carries a
// truthy "requires_approval" flag.
func defaultGate(it *models.Intent) (approval.RequestInput, bool) {
	flag, _ := it.Payload["requires_approval"].(bool)
	if !flag {
		return approval.RequestInput{}, false
	}
	in := approval.RequestInput{
		SessionID: it.SessionID,
		Initiator: it.AgentID,
		Kind:      string(it.Kind),
		Channel:   models.NotifyInApp,
		Recipient: it.AgentID,
		Message:   fmt.Sprintf("agent %s requests %s", it.AgentID, it.Kind),
		Payload:   it.Payload,
	}
	if chain, ok := it.Payload["approval_chain_id"].(string); ok {
		in.ChainID = chain
	}
	if recipient, ok := it.Payload["approver"].(string); ok {
		in.Recipient = recipient
	}
	return in, true
}

// ── Submission ───────────────────────────────────────────────

// SubmitIntent runs one intent to completion or suspension. Intents
// within a session execute one at a time; sessions run in parallel.
func (o *Orchestrator) SubmitIntent(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	if it.SessionID == "" || it.AgentID == "" {
		return nil, fmt.Errorf("intent requires session_id and agent_id")
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.SubmittedAt.IsZero() {
		it.SubmittedAt = time.Now().UTC()
	}
	if _, ok := o.handlers[it.Kind]; !ok {
		return nil, fmt.Errorf("no handler registered for intent kind %q", it.Kind)
	}

	lock := o.sessionLock(it.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// Budget gate comes first: a denied intent must leave no trace.
	if err := o.governor.CheckBudget(ctx, it.AgentID, it.EstimatedCost); err != nil {
		var bee *models.BudgetExceededError
		if errors.As(err, &bee) {
			res := &models.IntentResult{IntentID: it.ID, Outcome: models.IntentDenied, Error: bee.Error()}
			o.storeResult(res)
			return res, err
		}
		return nil, err
	}

	if in, gated := o.gate(it); gated {
		req, err := o.approvals.Request(ctx, in)
		if err != nil {
			return nil, err
		}
		if req.Status == models.ApprovalPending {
			o.mu.Lock()
			o.suspended[req.ID] = it
			o.mu.Unlock()
			res := &models.IntentResult{IntentID: it.ID, Outcome: models.IntentPending, ApprovalID: req.ID}
			o.storeResult(res)
			return res, nil
		}
		if req.Status != models.ApprovalApproved {
			res := &models.IntentResult{IntentID: it.ID, Outcome: models.IntentRejected, ApprovalID: req.ID}
			o.storeResult(res)
			return res, nil
		}
		// Auto-approved (every chain level skipped): fall through.
	}

	return o.execute(ctx, it)
}

// Result returns the most recent result recorded for an intent, used
// by callers polling a suspended intent.
func (o *Orchestrator) Result(intentID string) (*models.IntentResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.results[intentID]
	return res, ok
}

// ── Execution ────────────────────────────────────────────────

func (o *Orchestrator) execute(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	handler := o.handlers[it.Kind]

	op := func() (*models.IntentResult, error) {
		res, err := handler(ctx, it)
		if err != nil && !models.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.RetryWithData(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.maxRetries))
	if err != nil {
		oerr := &models.OrchestrationError{IntentID: it.ID, Op: string(it.Kind), Err: err}
		fail := &models.IntentResult{IntentID: it.ID, Outcome: models.IntentFailed, Error: oerr.Error()}
		o.storeResult(fail)
		return fail, oerr
	}

	if it.Model != "" || it.EstimatedCost > 0 {
		metric := &models.UsageMetric{
			RequestID:     it.ID,
			SessionID:     it.SessionID,
			AgentID:       it.AgentID,
			Model:         it.Model,
			RequestType:   models.RequestChat,
			EstimatedCost: it.EstimatedCost,
			Success:       true,
		}
		if err := o.governor.Record(ctx, metric); err != nil {
			log.Warn().Err(err).Str("intent_id", it.ID).Msg("usage record failed")
		}
	}

	o.storeResult(res)
	return res, nil
}

// onDecision resumes an intent suspended on an approval request. The
// approval engine invokes it from its own goroutine.
func (o *Orchestrator) onDecision(req *models.ApprovalRequest) {
	o.mu.Lock()
	it, ok := o.suspended[req.ID]
	if ok {
		delete(o.suspended, req.ID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if req.Status != models.ApprovalApproved {
		o.storeResult(&models.IntentResult{
			IntentID:   it.ID,
			Outcome:    models.IntentRejected,
			ApprovalID: req.ID,
			Error:      fmt.Sprintf("approval %s %s", req.ID, req.Status),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	lock := o.sessionLock(it.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := o.execute(ctx, it); err != nil {
		log.Error().Err(err).Str("intent_id", it.ID).Msg("resumed intent failed")
		return
	}
	log.Info().Str("intent_id", it.ID).Str("request_id", req.ID).Msg("▶️ intent resumed after approval")
}

// ResumeReply completes an intent waiting on a correlated response.
// Returns false when no intent is waiting on the reply's correlation id.
func (o *Orchestrator) ResumeReply(reply *models.A2AMessage) bool {
	if reply.CorrelationID == "" {
		return false
	}
	o.mu.Lock()
	intentID, ok := o.awaiting[reply.CorrelationID]
	if ok {
		delete(o.awaiting, reply.CorrelationID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.storeResult(&models.IntentResult{
		IntentID:   intentID,
		Outcome:    models.IntentCompleted,
		MessageIDs: []string{reply.ID},
		Output:     reply.Payload,
	})
	log.Info().Str("intent_id", intentID).Str("correlation_id", reply.CorrelationID).Msg("▶️ intent resumed by reply")
	return true
}

// ── Built-in handlers ────────────────────────────────────────

var kindToMessageType = map[models.IntentKind]models.MessageType{
	models.IntentSendMessage: models.MessageRequest,
	models.IntentDelegate:    models.MessageDelegate,
	models.IntentCollaborate: models.MessageCollaborate,
}

func (o *Orchestrator) handleSend(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	if it.TargetAgent == "" {
		return nil, fmt.Errorf("intent %s requires target_agent", it.Kind)
	}
	msg := &models.A2AMessage{
		SessionID:     it.SessionID,
		FromAgent:     it.AgentID,
		ToAgent:       &it.TargetAgent,
		Type:          kindToMessageType[it.Kind],
		Payload:       it.Payload,
		CorrelationID: it.CorrelationID,
	}
	id, err := o.bus.Publish(ctx, msg)
	if err != nil {
		return nil, err
	}

	res := &models.IntentResult{IntentID: it.ID, Outcome: models.IntentCompleted, MessageIDs: []string{id}}
	// Delegations and collaborations expect a response; park the
	// intent until a reply carries the message id back.
	if it.Kind == models.IntentDelegate || it.Kind == models.IntentCollaborate {
		corr := msg.CorrelationID
		if corr == "" {
			corr = id
		}
		o.mu.Lock()
		o.awaiting[corr] = it.ID
		o.mu.Unlock()
		res.Outcome = models.IntentPending
	}
	return res, nil
}

func (o *Orchestrator) handleBroadcast(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	id, err := o.bus.Broadcast(ctx, it.SessionID, it.AgentID, it.Payload)
	if err != nil {
		return nil, err
	}
	return &models.IntentResult{IntentID: it.ID, Outcome: models.IntentCompleted, MessageIDs: []string{id}}, nil
}

func (o *Orchestrator) handleRemember(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	key, _ := it.Payload["key"].(string)
	value, _ := it.Payload["value"].(string)
	if key == "" {
		return nil, fmt.Errorf("remember intent requires a key")
	}
	scope := models.ScopeShortTerm
	if s, ok := it.Payload["scope"].(string); ok && s != "" {
		scope = models.MemoryScope(s)
	}
	var ttl time.Duration
	if secs, ok := it.Payload["ttl_seconds"].(float64); ok {
		ttl = time.Duration(secs) * time.Second
	}
	var sessionID *string
	if scope == models.ScopeShortTerm {
		sessionID = &it.SessionID
	}
	rec, err := o.memory.Write(ctx, scope, it.AgentID, sessionID, key, value, ttl)
	if err != nil {
		return nil, err
	}
	return &models.IntentResult{
		IntentID: it.ID,
		Outcome:  models.IntentCompleted,
		Output:   map[string]interface{}{"record_id": rec.ID},
	}, nil
}

func (o *Orchestrator) handleRecordFact(ctx context.Context, it *models.Intent) (*models.IntentResult, error) {
	name, _ := it.Payload["name"].(string)
	entityType, _ := it.Payload["entity_type"].(string)
	if name == "" || entityType == "" {
		return nil, fmt.Errorf("record_fact intent requires name and entity_type")
	}
	in := graph.EntityInput{
		AgentID:    it.AgentID,
		Name:       name,
		Type:       entityType,
		Source:     models.SourceExtracted,
		Confidence: 1.0,
	}
	if c, ok := it.Payload["confidence"].(float64); ok {
		in.Confidence = c
	}
	if src, ok := it.Payload["source"].(string); ok && src != "" {
		in.Source = models.EntitySource(src)
	}
	if props, ok := it.Payload["properties"].(map[string]interface{}); ok {
		in.Properties = props
	}
	entity, err := o.graph.UpsertEntity(ctx, in)
	if err != nil {
		return nil, err
	}

	output := map[string]interface{}{"entity_id": entity.ID}
	if relType, ok := it.Payload["relation"].(string); ok && relType != "" {
		target, _ := it.Payload["related_to"].(string)
		other, err := o.graph.UpsertEntity(ctx, graph.EntityInput{
			AgentID:    it.AgentID,
			Name:       target,
			Type:       entityType,
			Source:     in.Source,
			Confidence: in.Confidence,
		})
		if err != nil {
			return nil, err
		}
		rel, err := o.graph.AddRelationship(ctx, graph.RelationshipInput{
			AgentID:      it.AgentID,
			FromEntityID: entity.ID,
			ToEntityID:   other.ID,
			Type:         relType,
			Confidence:   in.Confidence,
		})
		if err != nil {
			return nil, err
		}
		output["relationship_id"] = rel.ID
	}
	return &models.IntentResult{IntentID: it.ID, Outcome: models.IntentCompleted, Output: output}, nil
}

// ── Internals ────────────────────────────────────────────────

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.sessionLocks[sessionID] = lock
	}
	return lock
}

func (o *Orchestrator) storeResult(res *models.IntentResult) {
	o.mu.Lock()
	o.results[res.IntentID] = res
	o.mu.Unlock()
}
