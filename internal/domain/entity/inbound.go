package entity

import (
	"strings"
	"time"
)

// ChannelConversationKey identifies a customer thread on a messaging platform:
// the page (or bot account) the customer wrote to and the customer's id on it.
type ChannelConversationKey struct {
	Platform string `json:"platform"`
	PageID   string `json:"page_id"`
	SenderID string `json:"sender_id"`
}

// String renders the key as platform:page:sender.
func (k ChannelConversationKey) String() string {
	return k.Platform + ":" + k.PageID + ":" + k.SenderID
}

// DestinationChannelID is the outbound channel the platform sender resolves.
func (k ChannelConversationKey) DestinationChannelID() string {
	return k.Platform + ":" + k.PageID
}

// Validate checks that every part of the key is present.
func (k ChannelConversationKey) Validate() error {
	if strings.TrimSpace(k.Platform) == "" || strings.TrimSpace(k.PageID) == "" || strings.TrimSpace(k.SenderID) == "" {
		return ErrInvalidConversationKey
	}
	return nil
}

// ParseDestination splits a destination channel id back into platform and page.
func ParseDestination(destinationChannelID string) (platform, pageID string, ok bool) {
	platform, pageID, ok = strings.Cut(destinationChannelID, ":")
	if !ok || platform == "" || pageID == "" {
		return "", "", false
	}
	return platform, pageID, true
}

// ValidateTenantID rejects blank tenant ids and ids containing ':', which
// separates the parts of fanout channel names.
func ValidateTenantID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsRune(id, ':') {
		return ErrInvalidTenantID
	}
	return nil
}

// InboundEvent is a normalized customer message handed over by the webhook gate.
// PlatformMessageID is the idempotency key.
type InboundEvent struct {
	TenantID               string                 `json:"tenant_id" binding:"required"`
	ChannelConversationKey ChannelConversationKey `json:"channel_conversation_key"`
	RawText                string                 `json:"raw_text"`
	PlatformMessageID      string                 `json:"platform_message_id" binding:"required"`
	ReceivedAt             time.Time              `json:"received_at"`
}

// Validate rejects events that cannot be processed.
func (e *InboundEvent) Validate() error {
	if err := ValidateTenantID(e.TenantID); err != nil {
		return err
	}
	if strings.TrimSpace(e.PlatformMessageID) == "" {
		return ErrInvalidPlatformMessageID
	}
	if err := e.ChannelConversationKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.RawText) == "" {
		return ErrEmptyText
	}
	return nil
}
