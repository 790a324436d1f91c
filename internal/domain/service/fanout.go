package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// Realtime event types published to dashboards.
const (
	EventMessageCreated      = "message.created"
	EventConversationUpdated = "conversation.updated"
	EventReplyFailed         = "reply.failed"
	EventDeadLettered        = "outbound.dead_lettered"
	EventBotDecision         = "bot.decision"
)

// Fanout publishes best-effort, at-most-once events to tenant channels.
// Implementations must refuse a channel that does not belong to tenantID.
type Fanout interface {
	Publish(ctx context.Context, tenantID, channel, eventType string, payload any) error
}

// TenantChannel is the tenant-wide dashboard channel.
func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}

// ConversationChannel narrows a tenant channel to one conversation.
func ConversationChannel(tenantID, conversationID string) string {
	return TenantChannel(tenantID) + ":conversation:" + conversationID
}

// ChannelTenant extracts the tenant id a channel belongs to.
func ChannelTenant(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, "tenant:")
	if !ok || rest == "" {
		return "", false
	}
	tenant, _, _ := strings.Cut(rest, ":")
	return tenant, tenant != ""
}

// AuthorizeChannel rejects channels outside tenantID.
func AuthorizeChannel(tenantID, channel string) error {
	owner, ok := ChannelTenant(channel)
	if !ok {
		return fmt.Errorf("malformed channel %q", channel)
	}
	if tenantID == "" || owner != tenantID {
		return fmt.Errorf("%w: channel %q", entity.ErrTenantMismatch, channel)
	}
	return nil
}
