package entity

import "time"

// ConversationStatus 会话状态
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "OPEN"
	ConversationClosed ConversationStatus = "CLOSED"
)

// Conversation is owned by the conversation store. The pipeline only flips
// AutoBotEnabled/AssignedAgentID and bumps LastMessageAt; the remaining
// bookkeeping fields (attention, last-seen) are written by operator actions.
type Conversation struct {
	ID                    string                 `json:"id"`
	TenantID              string                 `json:"tenant_id"`
	Key                   ChannelConversationKey `json:"channel_conversation_key"`
	ExternalParticipantID string                 `json:"external_participant_id"`
	AutoBotEnabled        bool                   `json:"auto_bot_enabled"`
	AssignedAgentID       *string                `json:"assigned_agent_id,omitempty"`
	LastMessageAt         time.Time              `json:"last_message_at"`
	LastAgentReplyAt      *time.Time             `json:"last_agent_reply_at,omitempty"`
	Status                ConversationStatus     `json:"status"`
	NeedsAttention        bool                   `json:"needs_attention"`
	AttentionReason       string                 `json:"attention_reason,omitempty"`
	AgentLastSeenAt       *time.Time             `json:"agent_last_seen_at,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

// BelongsTo reports whether the conversation is owned by tenantID.
func (c *Conversation) BelongsTo(tenantID string) bool {
	return c != nil && c.TenantID == tenantID
}

// DestinationChannelID is where replies for this conversation are sent.
func (c *Conversation) DestinationChannelID() string {
	return c.Key.DestinationChannelID()
}

// IsOpen 会话是否仍在进行
func (c *Conversation) IsOpen() bool {
	return c.Status != ConversationClosed
}
