package service

import "context"

// AlertKind names why operators are being paged.
type AlertKind string

const (
	AlertGenerationFailed AlertKind = "generation_failed"
	AlertDeadLettered     AlertKind = "dead_lettered"
	AlertDeadLetterDigest AlertKind = "dead_letter_digest"
)

// Alert is an operator-facing notification. Customers never see these.
type Alert struct {
	Kind           AlertKind
	TenantID       string
	ConversationID string
	Summary        string
	Detail         string
}

// OperatorNotifier pages a tenant's operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, alert Alert) error
}
