// Package notify delivers approval prompts, reminders, timeout notices,
// and budget alerts to registered notification channels.
//
// Channels are stored rows (kind + URL/recipient + optional secret);
// drivers are pluggable ChannelDriver implementations keyed by kind.
// The built-in set covers webhook (HMAC-signed POST), Slack and Teams
// incoming webhooks, and an in-app driver that only logs. Email ships
// as a webhook-to-gateway driver. Delivery failure is logged and
// reported to the caller; it never blocks approval TTL clocks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Event is the wire payload handed to drivers.
type Event = contracts.NotificationEvent

// Result reports one delivery attempt.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ── Service ──────────────────────────────────────────────────

// Service routes events to every active channel of the requested kind.
type Service struct {
	store   store.Store
	client  *http.Client
	drivers map[models.NotifyKind]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

func NewService(s store.Store) *Service {
	svc := &Service{
		store:   s,
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[models.NotifyKind]contracts.ChannelDriver),
	}
	svc.RegisterDriver(&WebhookDriver{client: svc.client})
	svc.RegisterDriver(&SlackDriver{client: svc.client})
	svc.RegisterDriver(&TeamsDriver{client: svc.client})
	svc.RegisterDriver(&EmailGatewayDriver{client: svc.client})
	svc.RegisterDriver(&InAppDriver{})
	return svc
}

// RegisterDriver adds or replaces the driver for a channel kind.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("registered notification channel driver")
}

// Driver returns the driver for a channel kind, or nil.
func (s *Service) Driver(kind models.NotifyKind) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Notify fans the event out to all active channels of the given kind.
// With no channel rows configured, in-app events still reach the log
// via the driver so a bare deployment sees its alerts.
func (s *Service) Notify(ctx context.Context, kind models.NotifyKind, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	matched := 0
	var firstErr error
	for i := range channels {
		ch := channels[i]
		if ch.Kind != kind || !ch.Active || !subscribes(&ch, event.Type) {
			continue
		}
		matched++
		if r := s.DispatchToChannel(ctx, &ch, event); !r.Success && firstErr == nil {
			firstErr = fmt.Errorf("channel %s: %s", ch.Name, r.Error)
		}
	}

	if matched == 0 && kind == models.NotifyInApp {
		return s.Driver(models.NotifyInApp).Send(ctx, &models.NotificationChannel{Name: "default", Kind: kind, Active: true}, event)
	}
	return firstErr
}

// DispatchToChannel sends one event through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, channel *models.NotificationChannel, event Event) Result {
	result := Result{
		Channel:   fmt.Sprintf("%s/%s", channel.Kind, channel.Name),
		Timestamp: time.Now().UTC(),
	}

	if !channel.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", channel.Name)
		return result
	}
	if !subscribes(channel, event.Type) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s events", channel.Name, event.Type)
		return result
	}

	driver := s.Driver(channel.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", channel.Kind)
		log.Warn().Str("kind", string(channel.Kind)).Str("channel", channel.Name).Msg("no channel driver")
		return result
	}

	if err := driver.Send(ctx, channel, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("channel", channel.Name).Str("event", event.Type).Msg("channel notification failed")
		return result
	}

	result.Success = true
	log.Info().Str("channel", channel.Name).Str("kind", string(channel.Kind)).Str("event", event.Type).Msg("📡 notification dispatched")
	return result
}

// DispatchAll sends the event to every active channel regardless of
// kind, concurrently, and collects per-channel results.
func (s *Service) DispatchAll(ctx context.Context, event Event) []Result {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list notification channels")
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for i := range channels {
		ch := channels[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, event)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func subscribes(ch *models.NotificationChannel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true // empty means all events
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// ── HTTP helpers ─────────────────────────────────────────────

// postWithRetries POSTs a JSON body with up to 3 attempts.
func postWithRetries(ctx context.Context, client *http.Client, url string, body []byte, decorate func(*http.Request)) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if decorate != nil {
			decorate(req)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return fmt.Errorf("delivery failed after 3 attempts: %w", lastErr)
}

// ── Webhook driver ───────────────────────────────────────────

// WebhookDriver POSTs the raw event JSON with optional HMAC-SHA256
// signing over the body.
type WebhookDriver struct {
	client *http.Client
}

func (d *WebhookDriver) Kind() models.NotifyKind { return models.NotifyWebhook }

func (d *WebhookDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postWithRetries(ctx, d.client, channel.URL, body, func(req *http.Request) {
		req.Header.Set("User-Agent", "AgentLoom-Webhook/1.0")
		req.Header.Set("X-AgentLoom-Event", event.Type)
		if event.SessionID != "" {
			req.Header.Set("X-AgentLoom-Session", event.SessionID)
		}
		if channel.Secret != "" {
			mac := hmac.New(sha256.New, []byte(channel.Secret))
			mac.Write(body)
			req.Header.Set("X-AgentLoom-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}
	})
}

// ── Slack driver ─────────────────────────────────────────────

// SlackDriver shapes the event into a Slack incoming-webhook payload.
type SlackDriver struct {
	client *http.Client
}

func (d *SlackDriver) Kind() models.NotifyKind { return models.NotifySlack }

func (d *SlackDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	text := event.Message
	if text == "" {
		text = fmt.Sprintf("agentloom event: %s", event.Type)
	}
	fields := []map[string]string{{"title": "Event", "value": event.Type}}
	if event.SessionID != "" {
		fields = append(fields, map[string]string{"title": "Session", "value": event.SessionID})
	}
	if event.RequestID != "" {
		fields = append(fields, map[string]string{"title": "Request", "value": event.RequestID})
	}
	payload := map[string]interface{}{
		"text": text,
		"attachments": []map[string]interface{}{{
			"color":  colorFor(event.Type),
			"fields": fields,
			"ts":     event.Timestamp.Unix(),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postWithRetries(ctx, d.client, channel.URL, body, nil)
}

func colorFor(eventType string) string {
	switch eventType {
	case "approval_approved":
		return "good"
	case "approval_rejected", "approval_expired", "budget_alert":
		return "danger"
	default:
		return "warning"
	}
}

// ── Teams driver ─────────────────────────────────────────────

// TeamsDriver shapes the event into a Teams MessageCard.
type TeamsDriver struct {
	client *http.Client
}

func (d *TeamsDriver) Kind() models.NotifyKind { return models.NotifyTeams }

func (d *TeamsDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	facts := []map[string]string{{"name": "Event", "value": event.Type}}
	if event.SessionID != "" {
		facts = append(facts, map[string]string{"name": "Session", "value": event.SessionID})
	}
	if event.AgentID != "" {
		facts = append(facts, map[string]string{"name": "Agent", "value": event.AgentID})
	}
	payload := map[string]interface{}{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  event.Type,
		"title":    "AgentLoom",
		"text":     event.Message,
		"sections": []map[string]interface{}{{"facts": facts}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal teams payload: %w", err)
	}
	return postWithRetries(ctx, d.client, channel.URL, body, nil)
}

// ── Email gateway driver ─────────────────────────────────────

// EmailGatewayDriver POSTs a mail envelope to an HTTP mail gateway
// (the channel URL). Direct SMTP is out of scope for the built-ins.
type EmailGatewayDriver struct {
	client *http.Client
}

func (d *EmailGatewayDriver) Kind() models.NotifyKind { return models.NotifyEmail }

func (d *EmailGatewayDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	to := event.Recipient
	if to == "" {
		to = channel.Recipient
	}
	if to == "" {
		return fmt.Errorf("email channel %s has no recipient", channel.Name)
	}
	payload := map[string]interface{}{
		"to":      to,
		"subject": fmt.Sprintf("[agentloom] %s", event.Type),
		"body":    event.Message,
		"payload": event.Payload,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}
	return postWithRetries(ctx, d.client, channel.URL, body, nil)
}

// ── In-app driver ────────────────────────────────────────────

// InAppDriver surfaces the event on the service log. Real deployments
// replace it with a driver that pushes to the operator UI.
type InAppDriver struct{}

func (d *InAppDriver) Kind() models.NotifyKind { return models.NotifyInApp }

func (d *InAppDriver) Send(_ context.Context, channel *models.NotificationChannel, event Event) error {
	log.Info().
		Str("channel", channel.Name).
		Str("event", event.Type).
		Str("session_id", event.SessionID).
		Str("request_id", event.RequestID).
		Str("recipient", event.Recipient).
		Msg("🔔 " + event.Message)
	return nil
}

var (
	_ contracts.ChannelDriver = (*WebhookDriver)(nil)
	_ contracts.ChannelDriver = (*SlackDriver)(nil)
	_ contracts.ChannelDriver = (*TeamsDriver)(nil)
	_ contracts.ChannelDriver = (*EmailGatewayDriver)(nil)
	_ contracts.ChannelDriver = (*InAppDriver)(nil)
)
