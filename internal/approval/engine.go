// Package approval implements the human-in-the-loop gate: approval
// requests (direct or multi-level chains), single-use decision tokens,
// reminder and timeout handling, and an append-only audit trail. Every
// state transition lands in the audit log before the caller sees it.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Notifier delivers approval prompts, reminders, and outcome notices.
// Delivery failure must never block a state transition.
type Notifier interface {
	Notify(ctx context.Context, kind models.NotifyKind, event contracts.NotificationEvent) error
}

// DecisionCallback fires when a request reaches a terminal status, so a
// suspended intent can resume.
type DecisionCallback func(req *models.ApprovalRequest)

// Engine is the approval coordinator.
type Engine struct {
	store    store.Store
	notifier Notifier

	defaultTimeout   time.Duration
	reminderInterval time.Duration
	maxReminders     int
	tokenTTL         time.Duration

	resolver   contracts.IdentityResolver
	onDecision DecisionCallback
}

type Option func(*Engine)

func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

func WithReminders(interval time.Duration, max int) Option {
	return func(e *Engine) {
		e.reminderInterval = interval
		e.maxReminders = max
	}
}

func WithTokenTTL(d time.Duration) Option {
	return func(e *Engine) { e.tokenTTL = d }
}

// WithResolver restricts Decide to actors the identity directory names
// for the request's channel and recipient. Without a resolver any
// non-empty actor is accepted.
func WithResolver(r contracts.IdentityResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func New(st store.Store, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		notifier:         notifier,
		defaultTimeout:   time.Hour,
		reminderInterval: 30 * time.Minute,
		maxReminders:     3,
		tokenTTL:         time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDecisionCallback wires the orchestrator's resumption hook.
func (e *Engine) SetDecisionCallback(cb DecisionCallback) { e.onDecision = cb }

// RequestInput describes a new approval request.
type RequestInput struct {
	SessionID     string                 `json:"session_id"`
	Initiator     string                 `json:"initiator"`
	Kind          string                 `json:"kind"`
	ChainID       string                 `json:"chain_id,omitempty"`
	Channel       models.NotifyKind      `json:"channel"`
	Recipient     string                 `json:"recipient"`
	Message       string                 `json:"message"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
	DefaultAction models.ApprovalAction  `json:"default_action,omitempty"`
}

// Request opens an approval request and notifies the first eligible
// approver. A chain whose every level is skipped auto-approves.
func (e *Engine) Request(ctx context.Context, in RequestInput) (*models.ApprovalRequest, error) {
	now := time.Now().UTC()
	ttl := in.TTLSeconds
	if ttl <= 0 {
		ttl = int(e.defaultTimeout.Seconds())
	}
	defaultAction := in.DefaultAction
	if defaultAction == "" {
		defaultAction = models.ActionReject
	}

	req := &models.ApprovalRequest{
		ID:            uuid.NewString(),
		SessionID:     in.SessionID,
		Initiator:     in.Initiator,
		Kind:          in.Kind,
		ChainID:       in.ChainID,
		Channel:       in.Channel,
		Recipient:     in.Recipient,
		Message:       in.Message,
		Payload:       in.Payload,
		TTLSeconds:    ttl,
		DefaultAction: defaultAction,
		Status:        models.ApprovalPending,
		CurrentLevel:  1,
		TotalLevels:   1,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttl) * time.Second),
	}

	var chain *models.ApprovalChain
	if in.ChainID != "" {
		var err error
		chain, err = e.store.GetChain(ctx, in.ChainID)
		if err != nil {
			return nil, err
		}
		req.TotalLevels = len(chain.Levels)
	}

	if err := e.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	e.audit(ctx, req, models.AuditRequestCreated, in.Initiator, in.Kind)

	if chain != nil {
		level, skipped := firstEligibleLevel(chain, 1, req.Payload)
		for _, sl := range skipped {
			e.audit(ctx, req, models.AuditLevelSkipped, "system:condition", fmt.Sprintf("level %d condition not met", sl))
		}
		if level == nil {
			// Nothing left to approve
			req.Status = models.ApprovalApproved
			req.DecidedBy = "system:auto"
			req.DecidedAt = &now
			req.ResolvedAt = &now
			if err := e.store.UpdateApproval(ctx, req); err != nil {
				return nil, err
			}
			e.audit(ctx, req, models.AuditApproved, "system:auto", "all chain levels skipped")
			e.resume(req)
			return req, nil
		}
		req.CurrentLevel = level.Level
		req.Channel = level.Channel
		req.Recipient = level.Recipient
		if err := e.store.UpdateApproval(ctx, req); err != nil {
			return nil, err
		}
	}

	e.dispatch(ctx, req, "approval_requested")
	e.audit(ctx, req, models.AuditNotificationSent, "system", string(req.Channel))

	log.Info().
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Str("kind", req.Kind).
		Int("level", req.CurrentLevel).
		Msg("✋ approval requested")
	return req, nil
}

// Decide applies an approver's action. Terminal requests reject further
// decisions with RequestNotPendingError.
func (e *Engine) Decide(ctx context.Context, id string, action models.ApprovalAction, actor, comments string) (*models.ApprovalRequest, error) {
	return e.decide(ctx, id, action, actor, comments, true)
}

// decide carries the shared decision path. Token redemption skips the
// actor check: a valid token is its own authorization.
func (e *Engine) decide(ctx context.Context, id string, action models.ApprovalAction, actor, comments string, checkActor bool) (*models.ApprovalRequest, error) {
	req, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, &models.RequestNotPendingError{RequestID: id, Status: req.Status}
	}
	if checkActor {
		if err := e.authorizeActor(ctx, req, actor); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	req.Decisions = append(req.Decisions, models.LevelDecision{
		Level:     req.CurrentLevel,
		Action:    action,
		Actor:     actor,
		Comments:  comments,
		DecidedAt: now,
	})

	var chain *models.ApprovalChain
	if req.ChainID != "" {
		chain, err = e.store.GetChain(ctx, req.ChainID)
		if err != nil {
			return nil, err
		}
	}

	switch action {
	case models.ActionReject:
		if chain == nil || chain.StopOnReject {
			e.finish(ctx, req, models.ApprovalRejected, actor, comments, models.AuditRejected)
			return req, e.store.UpdateApproval(ctx, req)
		}
		// Non-stop chains record the rejection and keep going; the
		// final tally decides.
		e.audit(ctx, req, models.AuditRejected, actor, comments)

	case models.ActionApprove, models.ActionEscalate:
		e.audit(ctx, req, auditFor(action), actor, comments)

	default:
		return nil, fmt.Errorf("unknown approval action %q", action)
	}

	if chain != nil {
		next, skipped := firstEligibleLevel(chain, req.CurrentLevel+1, req.Payload)
		for _, sl := range skipped {
			e.audit(ctx, req, models.AuditLevelSkipped, "system:condition", fmt.Sprintf("level %d condition not met", sl))
		}
		if next != nil {
			req.CurrentLevel = next.Level
			req.Channel = next.Channel
			req.Recipient = next.Recipient
			if err := e.store.UpdateApproval(ctx, req); err != nil {
				return nil, err
			}
			e.dispatch(ctx, req, "approval_requested")
			e.audit(ctx, req, models.AuditLevelAdvanced, actor, fmt.Sprintf("level %d", next.Level))
			return req, nil
		}
	}

	// Last level decided: settle the request.
	switch {
	case action == models.ActionEscalate:
		e.finish(ctx, req, models.ApprovalRejected, actor, "escalated past final level", models.AuditRejected)
	case action == models.ActionReject:
		e.finish(ctx, req, models.ApprovalRejected, actor, comments, models.AuditRejected)
	case chain != nil && chain.RequireAll && approvedLevels(req) < eligibleLevelCount(chain, req.Payload):
		e.finish(ctx, req, models.ApprovalRejected, actor, "require_all not satisfied", models.AuditRejected)
	default:
		e.finish(ctx, req, models.ApprovalApproved, actor, comments, models.AuditApproved)
	}
	return req, e.store.UpdateApproval(ctx, req)
}

// approvedLevels counts distinct levels whose recorded decision was an
// approval.
// authorizeActor checks the actor against the identity directory when
// one is configured. System actors (timeouts, token redemption bypass
// via the burn path) are always allowed.
func (e *Engine) authorizeActor(ctx context.Context, req *models.ApprovalRequest, actor string) error {
	if e.resolver == nil || strings.HasPrefix(actor, "system:") {
		return nil
	}
	approvers, err := e.resolver.ResolveApprovers(ctx, req.Channel, req.Recipient)
	if err != nil {
		return fmt.Errorf("resolve approvers: %w", err)
	}
	for _, a := range approvers {
		if a == actor {
			return nil
		}
	}
	return fmt.Errorf("actor %s is not an approver for request %s", actor, req.ID)
}

func approvedLevels(req *models.ApprovalRequest) int {
	levels := make(map[int]bool)
	for _, d := range req.Decisions {
		if d.Action == models.ActionApprove {
			levels[d.Level] = true
		}
	}
	return len(levels)
}

// Cancel withdraws a pending request; later decisions fail.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*models.ApprovalRequest, error) {
	req, err := e.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, &models.RequestNotPendingError{RequestID: id, Status: req.Status}
	}
	e.finish(ctx, req, models.ApprovalCancelled, actor, "", models.AuditCancelled)
	return req, e.store.UpdateApproval(ctx, req)
}

// Status returns the current request state.
func (e *Engine) Status(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return e.store.GetApproval(ctx, id)
}

// ExpireForSession force-expires every pending request of a session,
// applying each request's default action. Used when a session closes.
func (e *Engine) ExpireForSession(ctx context.Context, sessionID string) (int, error) {
	pending, err := e.store.ListPendingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range pending {
		req := &pending[i]
		if req.SessionID != sessionID {
			continue
		}
		if err := e.applyTimeout(ctx, req, "session closed"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ── Tokens ──────────────────────────────────────────────────

// IssueToken mints a single-use, time-boxed decision token for out-of-
// band approvers (email links, chat buttons).
func (e *Engine) IssueToken(ctx context.Context, requestID string, ttl time.Duration) (*models.ApprovalToken, error) {
	req, err := e.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, &models.RequestNotPendingError{RequestID: requestID, Status: req.Status}
	}
	if ttl <= 0 {
		ttl = e.tokenTTL
	}
	now := time.Now().UTC()
	tok := &models.ApprovalToken{
		Token:     shortuuid.New(),
		RequestID: requestID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := e.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	e.audit(ctx, req, models.AuditTokenIssued, "system", tok.Token)
	return tok, nil
}

// RedeemToken consumes a token and applies the decision it carries. A
// second redeem fails with TokenAlreadyUsedError.
func (e *Engine) RedeemToken(ctx context.Context, token string, action models.ApprovalAction, actor string) (*models.ApprovalRequest, error) {
	tok, err := e.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.Used {
		usedAt := time.Now().UTC()
		if tok.UsedAt != nil {
			usedAt = *tok.UsedAt
		}
		return nil, &models.TokenAlreadyUsedError{Token: token, UsedAt: usedAt}
	}
	now := time.Now().UTC()
	if now.After(tok.ExpiresAt) {
		return nil, fmt.Errorf("token %s expired at %s", token, tok.ExpiresAt.Format(time.RFC3339))
	}

	// Burn the token before the decision so a races-y double submit
	// cannot decide twice.
	tok.Used = true
	tok.UsedBy = actor
	tok.UsedAt = &now
	if err := e.store.UpdateToken(ctx, tok); err != nil {
		return nil, err
	}

	req, err := e.decide(ctx, tok.RequestID, action, actor, "via token", false)
	if err != nil {
		return nil, err
	}
	e.audit(ctx, req, models.AuditTokenUsed, actor, token)
	return req, nil
}

// ── Audit ───────────────────────────────────────────────────

func (e *Engine) Audit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	return e.store.ListAudit(ctx, filter)
}

// ── Watcher ─────────────────────────────────────────────────

// Start runs the timeout and reminder watcher until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Tick runs one watcher pass: expire overdue requests, send due
// reminders. Exposed for deterministic tests.
func (e *Engine) Tick(ctx context.Context) {
	pending, err := e.store.ListPendingApprovals(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("approval watcher: list pending failed")
		return
	}
	now := time.Now().UTC()
	for i := range pending {
		req := &pending[i]
		if now.After(req.ExpiresAt) {
			if err := e.applyTimeout(ctx, req, "ttl elapsed"); err != nil {
				log.Warn().Err(err).Str("request_id", req.ID).Msg("approval timeout failed")
			}
			continue
		}
		e.maybeRemind(ctx, req, now)
	}
}

// applyTimeout resolves a pending request with its default action under
// the system:timeout actor.
func (e *Engine) applyTimeout(ctx context.Context, req *models.ApprovalRequest, detail string) error {
	status := models.ApprovalExpired
	if req.DefaultAction == models.ActionApprove {
		status = models.ApprovalApproved
	}
	e.finish(ctx, req, status, models.SystemTimeoutActor, detail, models.AuditExpired)
	if err := e.store.UpdateApproval(ctx, req); err != nil {
		return err
	}
	log.Info().
		Str("request_id", req.ID).
		Str("default_action", string(req.DefaultAction)).
		Str("status", string(status)).
		Msg("⏰ approval timed out")
	return nil
}

func (e *Engine) maybeRemind(ctx context.Context, req *models.ApprovalRequest, now time.Time) {
	if e.reminderInterval <= 0 || req.RemindersSent >= e.maxReminders {
		return
	}
	due := req.CreatedAt.Add(time.Duration(req.RemindersSent+1) * e.reminderInterval)
	if now.Before(due) {
		return
	}
	req.RemindersSent++
	if err := e.store.UpdateApproval(ctx, req); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID).Msg("reminder bookkeeping failed")
		return
	}
	e.dispatch(ctx, req, "approval_reminder")
	e.audit(ctx, req, models.AuditReminderSent, "system", fmt.Sprintf("reminder %d", req.RemindersSent))
}

// ── Internals ───────────────────────────────────────────────

// finish mutates req into a terminal state and fires audit + resume.
// The caller persists.
func (e *Engine) finish(ctx context.Context, req *models.ApprovalRequest, status models.ApprovalStatus, actor, comments string, action models.AuditAction) {
	now := time.Now().UTC()
	req.Status = status
	req.DecidedBy = actor
	req.DecidedAt = &now
	req.ResolvedAt = &now
	if comments != "" {
		req.Comments = comments
	}
	e.audit(ctx, req, action, actor, comments)
	e.dispatch(ctx, req, "approval_"+string(status))
	e.resume(req)
}

func (e *Engine) resume(req *models.ApprovalRequest) {
	if e.onDecision == nil {
		return
	}
	cp := *req
	go e.onDecision(&cp)
}

func (e *Engine) dispatch(ctx context.Context, req *models.ApprovalRequest, eventType string) {
	if e.notifier == nil {
		return
	}
	event := contracts.NotificationEvent{
		Type:      eventType,
		SessionID: req.SessionID,
		RequestID: req.ID,
		AgentID:   req.Initiator,
		Recipient: req.Recipient,
		Message:   req.Message,
		Payload:   req.Payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.notifier.Notify(ctx, req.Channel, event); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID).Str("channel", string(req.Channel)).Msg("approval notification failed")
	}
}

func (e *Engine) audit(ctx context.Context, req *models.ApprovalRequest, action models.AuditAction, actor, detail string) {
	ev := &models.AuditEvent{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		SessionID: req.SessionID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendAudit(ctx, ev); err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Str("action", string(action)).Msg("audit append failed")
	}
}

func auditFor(action models.ApprovalAction) models.AuditAction {
	switch action {
	case models.ActionApprove:
		return models.AuditApproved
	case models.ActionEscalate:
		return models.AuditLevelAdvanced
	default:
		return models.AuditRejected
	}
}

// firstEligibleLevel walks the chain from `from`, returning the first
// level whose condition holds, plus the level numbers skipped on the
// way. A level with a false condition that is not skippable still
// requires a decision, so it is eligible.
func firstEligibleLevel(chain *models.ApprovalChain, from int, payload map[string]interface{}) (*models.ApprovalLevel, []int) {
	var skipped []int
	for i := range chain.Levels {
		level := chain.Levels[i]
		if level.Level < from {
			continue
		}
		if level.Skippable && !conditionHolds(level.Condition, payload) {
			skipped = append(skipped, level.Level)
			continue
		}
		return &level, skipped
	}
	return nil, skipped
}

func eligibleLevelCount(chain *models.ApprovalChain, payload map[string]interface{}) int {
	n := 0
	for _, level := range chain.Levels {
		if level.Skippable && !conditionHolds(level.Condition, payload) {
			continue
		}
		n++
	}
	return n
}

// conditionHolds evaluates an expr condition against the request
// payload. An empty condition always holds; an unevaluable one is
// treated as holding so a broken expression cannot silently skip a
// human gate.
func conditionHolds(condition string, payload map[string]interface{}) bool {
	if condition == "" {
		return true
	}
	env := payload
	if env == nil {
		env = map[string]interface{}{}
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		log.Warn().Err(err).Str("condition", condition).Msg("approval condition failed to compile")
		return true
	}
	out, err := expr.Run(program, env)
	if err != nil {
		log.Warn().Err(err).Str("condition", condition).Msg("approval condition failed to evaluate")
		return true
	}
	b, ok := out.(bool)
	return !ok || b
}

// ── Chains ──────────────────────────────────────────────────

// CreateChain registers a reusable approval policy.
func (e *Engine) CreateChain(ctx context.Context, name string, levels []models.ApprovalLevel, stopOnReject, requireAll bool) (*models.ApprovalChain, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("chain requires at least one level")
	}
	chain := &models.ApprovalChain{
		ID:           uuid.NewString(),
		Name:         name,
		Levels:       levels,
		StopOnReject: stopOnReject,
		RequireAll:   requireAll,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateChain(ctx, chain); err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	return chain, nil
}

func (e *Engine) GetChain(ctx context.Context, id string) (*models.ApprovalChain, error) {
	return e.store.GetChain(ctx, id)
}

func (e *Engine) ListChains(ctx context.Context) ([]models.ApprovalChain, error) {
	return e.store.ListChains(ctx)
}
