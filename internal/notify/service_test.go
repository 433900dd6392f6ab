package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/orchestrator/internal/notify"
	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

func newTestService(t *testing.T) (*notify.Service, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("LOOM_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return notify.NewService(s), s
}

func TestWebhookDriver_SignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotEvt  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-AgentLoom-Signature")
		gotEvt = r.Header.Get("X-AgentLoom-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.CreateChannel(ctx, &models.NotificationChannel{
		ID: "ch-1", Name: "ops-hook", Kind: models.NotifyWebhook,
		URL: srv.URL, Secret: "s3cret", Active: true,
	}))

	err := svc.Notify(ctx, models.NotifyWebhook, notify.Event{
		Type:      "approval_requested",
		SessionID: "sess-1",
		Message:   "please review",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "approval_requested", gotEvt)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestSlackDriver_PayloadShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.CreateChannel(ctx, &models.NotificationChannel{
		ID: "ch-1", Name: "alerts", Kind: models.NotifySlack, URL: srv.URL, Active: true,
	}))

	require.NoError(t, svc.Notify(ctx, models.NotifySlack, notify.Event{
		Type: "budget_alert", AgentID: "agent-a", Message: "80% of daily budget reached",
	}))

	assert.Equal(t, "80% of daily budget reached", got["text"])
	attachments, ok := got["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]interface{})
	assert.Equal(t, "danger", first["color"])
}

func TestNotify_EventSubscriptionFilter(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.CreateChannel(ctx, &models.NotificationChannel{
		ID: "ch-1", Name: "reminders-only", Kind: models.NotifyWebhook,
		URL: srv.URL, Events: []string{"approval_reminder"}, Active: true,
	}))

	require.NoError(t, svc.Notify(ctx, models.NotifyWebhook, notify.Event{Type: "approval_requested"}))
	assert.Zero(t, hits, "non-subscribed event skipped")

	require.NoError(t, svc.Notify(ctx, models.NotifyWebhook, notify.Event{Type: "approval_reminder"}))
	assert.Equal(t, 1, hits)
}

func TestNotify_InAppWithoutChannels(t *testing.T) {
	svc, _ := newTestService(t)
	// No channel rows: in-app events fall back to the log driver.
	assert.NoError(t, svc.Notify(context.Background(), models.NotifyInApp, notify.Event{
		Type: "budget_alert", Message: "spend threshold crossed",
	}))
}

func TestDispatchToChannel_InactiveChannel(t *testing.T) {
	svc, _ := newTestService(t)
	r := svc.DispatchToChannel(context.Background(), &models.NotificationChannel{
		Name: "dead", Kind: models.NotifyWebhook, Active: false,
	}, notify.Event{Type: "approval_requested"})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "inactive")
}
