package entity

import "time"

// InboundJob is the persisted inbound queue payload.
type InboundJob struct {
	JobID             string                 `json:"job_id"`
	TenantID          string                 `json:"tenant_id"`
	ConversationID    string                 `json:"conversation_id"`
	Key               ChannelConversationKey `json:"channel_conversation_key"`
	PlatformMessageID string                 `json:"platform_message_id"`
	Text              string                 `json:"text"`
	ReceivedAt        time.Time              `json:"received_at"`
	Attempt           int                    `json:"attempt"`
}

// OutboundJob is the persisted outbound queue payload. The pending reply's
// fields are inlined so the wire shape stays flat.
type OutboundJob struct {
	JobID string `json:"job_id"`
	PendingOutbound
}
