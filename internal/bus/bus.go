// Package bus implements agent-to-agent messaging within a session.
// Delivery is store-backed poll/ack: publish writes a durable row, poll
// returns unprocessed rows visible to the agent, ack marks the row
// processed exactly once. TTL and hop limits keep stale traffic from
// circulating forever.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// Bus routes A2A messages between session participants.
type Bus struct {
	store      store.Store
	defaultTTL int
	maxHops    int
}

type Option func(*Bus)

// WithDefaultTTL overrides the TTL applied when a message carries none.
func WithDefaultTTL(seconds int) Option {
	return func(b *Bus) { b.defaultTTL = seconds }
}

// WithMaxHops overrides the forwarding ceiling.
func WithMaxHops(n int) Option {
	return func(b *Bus) { b.maxHops = n }
}

func New(s store.Store, opts ...Option) *Bus {
	b := &Bus{
		store:      s,
		defaultTTL: models.DefaultMessageTTLSeconds,
		maxHops:    models.DefaultMaxHops,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates and persists a message, returning its id. Directed
// messages require the target to be an active session participant;
// broadcasts (nil ToAgent) fan out at poll time. Messages over the hop
// ceiling are dropped with a HopLimitError.
func (b *Bus) Publish(ctx context.Context, msg *models.A2AMessage) (string, error) {
	if msg.SessionID == "" || msg.FromAgent == "" {
		return "", fmt.Errorf("message requires session_id and from_agent")
	}
	if msg.HopCount >= b.maxHops {
		err := &models.HopLimitError{MessageID: msg.ID, HopCount: msg.HopCount, MaxHops: b.maxHops}
		log.Warn().
			Str("session_id", msg.SessionID).
			Str("from_agent", msg.FromAgent).
			Int("hop_count", msg.HopCount).
			Msg("message dropped at hop ceiling")
		return "", err
	}

	sess, err := b.store.GetSession(ctx, msg.SessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != models.SessionActive {
		return "", fmt.Errorf("session %s is %s", sess.ID, sess.Status)
	}

	if msg.ToAgent != nil {
		p, err := b.store.GetParticipant(ctx, msg.SessionID, *msg.ToAgent)
		if err != nil || !p.Active {
			return "", &models.UnknownAgentError{SessionID: msg.SessionID, AgentID: *msg.ToAgent}
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.TTLSeconds == 0 && b.defaultTTL > 0 {
		msg.TTLSeconds = b.defaultTTL
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := b.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	log.Debug().
		Str("message_id", msg.ID).
		Str("session_id", msg.SessionID).
		Str("type", string(msg.Type)).
		Msg("message published")
	return msg.ID, nil
}

// Broadcast publishes a message with no target; every active participant
// except the sender sees it when they poll.
func (b *Bus) Broadcast(ctx context.Context, sessionID, fromAgent string, payload map[string]interface{}) (string, error) {
	return b.Publish(ctx, &models.A2AMessage{
		SessionID: sessionID,
		FromAgent: fromAgent,
		Type:      models.MessageBroadcast,
		Payload:   payload,
	})
}

// Reply publishes a response to a previous message, carrying its
// correlation id forward and incrementing the hop count.
func (b *Bus) Reply(ctx context.Context, orig *models.A2AMessage, fromAgent string, payload map[string]interface{}) (string, error) {
	corr := orig.CorrelationID
	if corr == "" {
		corr = orig.ID
	}
	from := orig.FromAgent
	return b.Publish(ctx, &models.A2AMessage{
		SessionID:     orig.SessionID,
		FromAgent:     fromAgent,
		ToAgent:       &from,
		Type:          models.MessageResponse,
		Payload:       payload,
		CorrelationID: corr,
		HopCount:      orig.HopCount + 1,
	})
}

// Poll returns unprocessed messages visible to the agent in timestamp
// order. Expiry is checked at read time: expired rows are never returned
// and are deleted opportunistically.
func (b *Bus) Poll(ctx context.Context, sessionID, agentID string) ([]models.A2AMessage, error) {
	p, err := b.store.GetParticipant(ctx, sessionID, agentID)
	if err != nil {
		return nil, &models.UnknownAgentError{SessionID: sessionID, AgentID: agentID}
	}
	// Inactive participants stay on the roster but receive nothing.
	if !p.Active {
		return []models.A2AMessage{}, nil
	}
	pending, err := b.store.PendingMessages(ctx, sessionID, agentID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	live := pending[:0]
	for _, m := range pending {
		if m.Expired(now) {
			if err := b.store.DeleteMessage(ctx, m.ID); err != nil {
				log.Warn().Err(err).Str("message_id", m.ID).Msg("failed to delete expired message")
			}
			continue
		}
		live = append(live, m)
	}
	return live, nil
}

// Ack marks a message processed. A second ack for the same message is an
// error: delivery is at most once.
func (b *Bus) Ack(ctx context.Context, messageID, agentID string) error {
	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Processed {
		return fmt.Errorf("message %s already processed", messageID)
	}
	now := time.Now().UTC()
	if msg.Expired(now) {
		return &models.ExpiredMessageError{MessageID: messageID, ExpiredAt: msg.CreatedAt.Add(time.Duration(msg.TTLSeconds) * time.Second)}
	}
	if err := b.store.MarkProcessed(ctx, messageID, now); err != nil {
		return err
	}
	log.Debug().Str("message_id", messageID).Str("agent_id", agentID).Msg("message acked")
	return nil
}

// Sweep deletes expired messages. Called by the retention janitor; also
// safe to call ad hoc.
func (b *Bus) Sweep(ctx context.Context) (int, error) {
	return b.store.DeleteExpiredMessages(ctx, time.Now().UTC())
}

// StartSweeper runs Sweep on a ticker until the context is cancelled.
func (b *Bus) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := b.Sweep(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("bus sweep failed")
					continue
				}
				if n > 0 {
					log.Debug().Int("expired", n).Msg("bus sweep")
				}
			}
		}
	}()
}
