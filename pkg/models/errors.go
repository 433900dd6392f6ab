package models

import (
	"errors"
	"fmt"
	"time"
)

// Typed errors crossing the orchestration boundary. Approval and budget
// denials are expected business outcomes and are always surfaced
// synchronously; protocol violations (hop limit, expiry, unknown agent)
// are never retried.

// ExpiredMessageError reports a message whose TTL elapsed before delivery.
type ExpiredMessageError struct {
	MessageID string
	ExpiredAt time.Time
}

func (e *ExpiredMessageError) Error() string {
	return fmt.Sprintf("message %s expired at %s", e.MessageID, e.ExpiredAt.Format(time.RFC3339))
}

// HopLimitError reports a message relayed past the configured hop ceiling.
type HopLimitError struct {
	MessageID string
	HopCount  int
	MaxHops   int
}

func (e *HopLimitError) Error() string {
	return fmt.Sprintf("message %s exceeded hop limit: %d > %d", e.MessageID, e.HopCount, e.MaxHops)
}

// UnknownAgentError reports a routing target that is not an active
// participant of the session.
type UnknownAgentError struct {
	SessionID string
	AgentID   string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agent %s is not an active participant of session %s", e.AgentID, e.SessionID)
}

// BudgetExceededError reports a call denied because its estimated cost
// would push cumulative spend over the window limit.
type BudgetExceededError struct {
	AgentID   string
	Window    string // "daily" or "monthly"
	Limit     float64
	Spent     float64
	Estimated float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("agent %s %s budget exceeded: spent %.4f + estimated %.4f > limit %.2f",
		e.AgentID, e.Window, e.Spent, e.Estimated, e.Limit)
}

// RequestNotPendingError reports a decision attempted on a request that
// already reached a terminal status.
type RequestNotPendingError struct {
	RequestID string
	Status    ApprovalStatus
}

func (e *RequestNotPendingError) Error() string {
	return fmt.Sprintf("approval request %s is not pending (status: %s)", e.RequestID, e.Status)
}

// TokenAlreadyUsedError reports a second redemption of a single-use token.
type TokenAlreadyUsedError struct {
	Token  string
	UsedAt time.Time
}

func (e *TokenAlreadyUsedError) Error() string {
	return fmt.Sprintf("approval token already used at %s", e.UsedAt.Format(time.RFC3339))
}

// MemoryKeyConflictError reports a unique-key violation on a memory write.
type MemoryKeyConflictError struct {
	Owner string
	Key   string
}

func (e *MemoryKeyConflictError) Error() string {
	return fmt.Sprintf("memory key %q already exists for owner %s", e.Key, e.Owner)
}

// GraphConstraintError reports a relationship referencing an unknown
// entity or an entity owned by a different agent.
type GraphConstraintError struct {
	AgentID string
	Detail  string
}

func (e *GraphConstraintError) Error() string {
	return fmt.Sprintf("graph constraint violated for agent %s: %s", e.AgentID, e.Detail)
}

// TransientStoreError wraps a retryable storage failure.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store failure in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientStoreError.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// OrchestrationError is the catch-all surfaced to the dialog runtime
// once internal retries are exhausted.
type OrchestrationError struct {
	IntentID string
	Op       string
	Err      error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed for intent %s during %s: %v", e.IntentID, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
