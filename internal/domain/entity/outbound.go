package entity

import "time"

// PendingOutbound is a reply waiting in the dispatcher queue. MessageID is
// assigned before enqueue so that persisting after a send is idempotent.
type PendingOutbound struct {
	MessageID             string   `json:"message_id"`
	TenantID              string   `json:"tenant_id"`
	ConversationID        string   `json:"conversation_id"`
	DestinationChannelID  string   `json:"destination_channel_id"`
	ExternalParticipantID string   `json:"external_participant_id"`
	Role                  Role     `json:"role"`
	Text                  string   `json:"text"`
	AuthorID              string   `json:"author_id,omitempty"`
	ProviderUsed          string   `json:"provider_used,omitempty"`
	Model                 string   `json:"model,omitempty"`
	Usage                 *Usage   `json:"usage,omitempty"`
	RetrievedContextIDs   []string `json:"retrieved_context_ids,omitempty"`
	Attempt               int      `json:"attempt"`
	// OperatorRedelivery marks a dead letter an operator chose to resend.
	OperatorRedelivery bool `json:"operator_redelivery,omitempty"`
	// Sent marks a reply the platform already accepted; only persistence is
	// left to do.
	Sent   bool       `json:"sent,omitempty"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// DeadLetter holds an outbound reply that exhausted its delivery attempts.
// The stored text is redelivered as is; it is never regenerated.
type DeadLetter struct {
	ID                    string     `json:"id"`
	TenantID              string     `json:"tenant_id"`
	MessageID             string     `json:"message_id"`
	ConversationID        string     `json:"conversation_id"`
	DestinationChannelID  string     `json:"destination_channel_id"`
	ExternalParticipantID string     `json:"external_participant_id"`
	Role                  Role       `json:"role"`
	Text                  string     `json:"text"`
	Attempts              int        `json:"attempts"`
	LastError             string     `json:"last_error"`
	Payload               []byte     `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
}

// DeliveryReceipt is the platform's acknowledgement of a send.
type DeliveryReceipt struct {
	MessageID         string    `json:"message_id"`
	TenantID          string    `json:"tenant_id"`
	PlatformMessageID string    `json:"platform_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}
