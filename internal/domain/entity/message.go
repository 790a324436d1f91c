package entity

import (
	"strings"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAgent    Role = "AGENT"
	RoleBot      Role = "BOT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleBot:
		return true
	}
	return false
}

// Usage is the token accounting a provider reported for a generated reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is append-only. Customer messages carry the platform message id
// they were created from; no two messages may share one.
type Message struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	ConversationID      string    `json:"conversation_id"`
	Role                Role      `json:"role"`
	Text                string    `json:"text"`
	PlatformMessageID   string    `json:"platform_message_id,omitempty"`
	ProviderUsed        string    `json:"provider_used,omitempty"`
	Model               string    `json:"model,omitempty"`
	Usage               *Usage    `json:"usage,omitempty"`
	RetrievedContextIDs []string  `json:"retrieved_context_ids,omitempty"`
	AuthorID            string    `json:"author_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Validate checks the fields every stored message must have.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrInvalidMessageID
	}
	if m.TenantID == "" {
		return ErrInvalidTenantID
	}
	if m.ConversationID == "" {
		return ErrInvalidConversationID
	}
	if !m.Role.Valid() {
		return ErrInvalidRole
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	if m.Role == RoleCustomer && m.PlatformMessageID == "" {
		return ErrInvalidPlatformMessageID
	}
	return nil
}
