package notify

import (
	"context"

	"github.com/agentloom/agentloom/orchestrator/internal/store"
	"github.com/agentloom/agentloom/orchestrator/pkg/contracts"
	"github.com/agentloom/agentloom/orchestrator/pkg/models"
)

// ChannelDirectory resolves approvers from the channel registry: the
// recipient itself may act, plus anyone listed under the matching
// channel's "approvers" config key. Used by the approval engine to
// reject decisions from actors outside the directory.
type ChannelDirectory struct {
	store store.Store
}

func NewChannelDirectory(s store.Store) *ChannelDirectory {
	return &ChannelDirectory{store: s}
}

func (d *ChannelDirectory) ResolveApprovers(ctx context.Context, channel models.NotifyKind, recipient string) ([]string, error) {
	approvers := []string{recipient}
	channels, err := d.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		ch := &channels[i]
		if ch.Kind != channel || !ch.Active {
			continue
		}
		if ch.Recipient != "" && ch.Recipient != recipient {
			continue
		}
		raw, ok := ch.Config["approvers"].([]interface{})
		if !ok {
			continue
		}
		for _, v := range raw {
			if name, ok := v.(string); ok && name != "" {
				approvers = append(approvers, name)
			}
		}
	}
	return approvers, nil
}

var _ contracts.IdentityResolver = (*ChannelDirectory)(nil)
