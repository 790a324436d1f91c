package entity

import "errors"

var (
	// Inbound errors
	ErrInvalidTenantID          = errors.New("invalid tenant id")
	ErrInvalidPlatformMessageID = errors.New("invalid platform message id")
	ErrInvalidConversationKey   = errors.New("invalid channel conversation key")
	ErrEmptyText                = errors.New("message text is empty")

	// ErrDuplicateEvent is an idempotency hit. Callers treat it as a no-op signal.
	ErrDuplicateEvent = errors.New("duplicate inbound event")

	// Conversation errors
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrConversationClosed    = errors.New("conversation is closed")
	ErrTenantMismatch        = errors.New("resource belongs to another tenant")

	// ErrRaceAbort means a bot draft was discarded because the conversation
	// moved to human handling. Logged, never reported as a failure.
	ErrRaceAbort = errors.New("bot reply aborted: conversation is human-active")

	// ErrLeaseHeld is returned when another worker owns the conversation lease.
	ErrLeaseHeld = errors.New("conversation lease held by another worker")

	// ErrCorruptIndex means query and stored embedding dimensions disagree.
	ErrCorruptIndex = errors.New("vector index dimension mismatch")

	// ErrPoison marks a queue job that can never be processed (undecodable).
	ErrPoison = errors.New("poison job")

	// Message errors
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrInvalidRole      = errors.New("invalid message role")
)
