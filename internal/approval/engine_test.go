package approval_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/approval"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// recordingNotifier captures dispatched events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []contracts.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, _ models.NotifyKind, ev contracts.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == eventType {
			c++
		}
	}
	return c
}

func newTestEngine(t *testing.T, opts ...approval.Option) (*approval.Engine, store.Store, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	n := &recordingNotifier{}
	return approval.New(s, n, opts...), s, n
}

func auditActions(t *testing.T, s store.Store, requestID string) []models.AuditAction {
	t.Helper()
	events, err := s.ListAudit(context.Background(), models.AuditFilter{RequestID: requestID})
	require.NoError(t, err)
	actions := make([]models.AuditAction, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	return actions
}

func TestRequestAndApprove(t *testing.T) {
	e, s, n := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund",
		Channel: models.NotifySlack, Recipient: "#approvals",
		Message: "refund $50?",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, 1, n.count("approval_requested"))

	decided, err := e.Decide(ctx, req.ID, models.ActionApprove, "manager", "ok")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
	assert.Equal(t, "manager", decided.DecidedBy)
	require.NotNil(t, decided.ResolvedAt)

	assert.Contains(t, auditActions(t, s, req.ID), models.AuditRequestCreated)
	assert.Contains(t, auditActions(t, s, req.ID), models.AuditApproved)
}

func TestDecide_TerminalIsFinal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund", Channel: models.NotifyWebhook,
	})
	require.NoError(t, err)
	_, err = e.Decide(ctx, req.ID, models.ActionReject, "manager", "no")
	require.NoError(t, err)

	_, err = e.Decide(ctx, req.ID, models.ActionApprove, "manager", "changed my mind")
	var rnp *models.RequestNotPendingError
	require.True(t, errors.As(err, &rnp))
	assert.Equal(t, models.ApprovalRejected, rnp.Status)
}

func TestCancel_BlocksLaterDecisions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund", Channel: models.NotifyWebhook,
	})
	require.NoError(t, err)

	cancelled, err := e.Cancel(ctx, req.ID, "agent")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalCancelled, cancelled.Status)

	_, err = e.Decide(ctx, req.ID, models.ActionApprove, "manager", "")
	var rnp *models.RequestNotPendingError
	assert.True(t, errors.As(err, &rnp))
}

func TestChain_ThreeLevelsStopOnReject(t *testing.T) {
	e, _, n := newTestEngine(t)
	ctx := context.Background()

	chain, err := e.CreateChain(ctx, "big-spend", []models.ApprovalLevel{
		{Level: 1, Channel: models.NotifySlack, Recipient: "team-lead"},
		{Level: 2, Channel: models.NotifySlack, Recipient: "manager"},
		{Level: 3, Channel: models.NotifyEmail, Recipient: "director"},
	}, true, true)
	require.NoError(t, err)

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "spend", ChainID: chain.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, 3, req.TotalLevels)
	assert.Equal(t, "team-lead", req.Recipient)

	req, err = e.Decide(ctx, req.ID, models.ActionApprove, "lead", "")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.Equal(t, 2, req.CurrentLevel)
	assert.Equal(t, "manager", req.Recipient)
	assert.Equal(t, 2, n.count("approval_requested"), "level advance re-notifies")

	// Reject at level 2 short-circuits the chain
	req, err = e.Decide(ctx, req.ID, models.ActionReject, "manager", "too much")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, req.Status)

	_, err = e.Decide(ctx, req.ID, models.ActionApprove, "director", "")
	var rnp *models.RequestNotPendingError
	assert.True(t, errors.As(err, &rnp))
}

func TestChain_ConditionalLevelSkipped(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	chain, err := e.CreateChain(ctx, "amount-gated", []models.ApprovalLevel{
		{Level: 1, Channel: models.NotifySlack, Recipient: "team-lead"},
		{Level: 2, Channel: models.NotifyEmail, Recipient: "director",
			Condition: "amount > 1000", Skippable: true},
	}, true, true)
	require.NoError(t, err)

	// Small amount: level 2 condition is false, level skipped
	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "spend", ChainID: chain.ID,
		Payload: map[string]interface{}{"amount": 250},
	})
	require.NoError(t, err)

	req, err = e.Decide(ctx, req.ID, models.ActionApprove, "lead", "")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, req.Status, "skippable false-condition level does not gate")
	assert.Contains(t, auditActions(t, s, req.ID), models.AuditLevelSkipped)

	// Large amount: level 2 must decide
	req2, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "spend", ChainID: chain.ID,
		Payload: map[string]interface{}{"amount": 5000},
	})
	require.NoError(t, err)
	req2, err = e.Decide(ctx, req2.ID, models.ActionApprove, "lead", "")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req2.Status)
	assert.Equal(t, 2, req2.CurrentLevel)
}

func TestTimeout_DefaultActionWithSystemActor(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund",
		Channel: models.NotifyWebhook, TTLSeconds: 1,
		DefaultAction: models.ActionReject,
	})
	require.NoError(t, err)

	// Backdate expiry instead of sleeping
	stored, err := s.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.UpdateApproval(ctx, stored))

	e.Tick(ctx)

	after, err := e.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, after.Status)
	assert.Equal(t, models.SystemTimeoutActor, after.DecidedBy)

	events, err := s.ListAudit(ctx, models.AuditFilter{RequestID: req.ID, Action: models.AuditExpired})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.SystemTimeoutActor, events[0].Actor)
}

func TestTimeout_DefaultApprove(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "routine",
		Channel: models.NotifyWebhook, DefaultAction: models.ActionApprove,
	})
	require.NoError(t, err)

	stored, err := s.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.UpdateApproval(ctx, stored))

	e.Tick(ctx)

	after, err := e.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, after.Status)
	assert.Equal(t, models.SystemTimeoutActor, after.DecidedBy)
}

func TestReminders_CappedAndAudited(t *testing.T) {
	e, s, n := newTestEngine(t, approval.WithReminders(time.Minute, 2))
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund",
		Channel: models.NotifyWebhook, TTLSeconds: 86400,
	})
	require.NoError(t, err)

	// Backdate creation so several reminder intervals have elapsed
	stored, err := s.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpdateApproval(ctx, stored))

	for i := 0; i < 5; i++ {
		e.Tick(ctx)
	}

	assert.Equal(t, 2, n.count("approval_reminder"), "reminders capped at max")
	events, err := s.ListAudit(ctx, models.AuditFilter{RequestID: req.ID, Action: models.AuditReminderSent})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestToken_SingleUse(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund", Channel: models.NotifyEmail,
	})
	require.NoError(t, err)

	tok, err := e.IssueToken(ctx, req.ID, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Token)

	decided, err := e.RedeemToken(ctx, tok.Token, models.ActionApprove, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.Status)

	_, err = e.RedeemToken(ctx, tok.Token, models.ActionReject, "someone-else")
	var used *models.TokenAlreadyUsedError
	require.True(t, errors.As(err, &used))
	assert.False(t, used.UsedAt.IsZero())
}

func TestDecisionCallback_Fires(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	done := make(chan models.ApprovalStatus, 1)
	e.SetDecisionCallback(func(req *models.ApprovalRequest) {
		done <- req.Status
	})

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "s", Initiator: "agent", Kind: "refund", Channel: models.NotifyWebhook,
	})
	require.NoError(t, err)
	_, err = e.Decide(ctx, req.ID, models.ActionApprove, "manager", "")
	require.NoError(t, err)

	select {
	case status := <-done:
		assert.Equal(t, models.ApprovalApproved, status)
	case <-time.After(time.Second):
		t.Fatal("decision callback never fired")
	}
}

func TestExpireForSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Request(ctx, approval.RequestInput{
		SessionID: "closing", Initiator: "agent", Kind: "a", Channel: models.NotifyWebhook,
	})
	require.NoError(t, err)
	other, err := e.Request(ctx, approval.RequestInput{
		SessionID: "open", Initiator: "agent", Kind: "b", Channel: models.NotifyWebhook,
	})
	require.NoError(t, err)

	n, err := e.ExpireForSession(ctx, "closing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	still, err := e.Status(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, still.Status)
}

// staticDirectory allows a fixed approver set regardless of channel.
type staticDirectory struct{ approvers []string }

func (d staticDirectory) ResolveApprovers(_ context.Context, _ models.NotifyKind, recipient string) ([]string, error) {
	return append([]string{recipient}, d.approvers...), nil
}

func TestDecide_ResolverRejectsOutsiders(t *testing.T) {
	e, _, _ := newTestEngine(t, approval.WithResolver(staticDirectory{approvers: []string{"lead@example.com"}}))
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "sess-1", Initiator: "agent-a", Kind: "deploy",
		Channel: models.NotifyEmail, Recipient: "ops@example.com",
	})
	require.NoError(t, err)

	_, err = e.Decide(ctx, req.ID, models.ActionApprove, "intruder@example.com", "")
	require.Error(t, err)

	still, err := e.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, still.Status, "unauthorized decision leaves the request open")

	// Both the recipient and directory-listed approvers may decide.
	decided, err := e.Decide(ctx, req.ID, models.ActionApprove, "lead@example.com", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
}

func TestRedeemToken_BypassesResolver(t *testing.T) {
	e, _, _ := newTestEngine(t, approval.WithResolver(staticDirectory{}))
	ctx := context.Background()

	req, err := e.Request(ctx, approval.RequestInput{
		SessionID: "sess-1", Initiator: "agent-a", Kind: "deploy",
		Channel: models.NotifyEmail, Recipient: "ops@example.com",
	})
	require.NoError(t, err)

	tok, err := e.IssueToken(ctx, req.ID, time.Hour)
	require.NoError(t, err)

	// The token link may land with anyone the recipient forwards it to.
	decided, err := e.RedeemToken(ctx, tok.Token, models.ActionApprove, "delegate@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
}
