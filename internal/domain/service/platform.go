package service

import (
	"context"
	"fmt"
)

// OutboundMessage is a reply addressed to a platform destination.
type OutboundMessage struct {
	TenantID             string
	DestinationChannelID string
	ParticipantID        string
	Text                 string
}

// PlatformSender delivers text through a messaging platform's send API.
// A nil error means the platform acknowledged the message.
type PlatformSender interface {
	Send(ctx context.Context, msg OutboundMessage) (platformMessageID string, err error)
}

// DeliveryError is a send rejected by the platform. Permanent rejections
// (unknown recipient, revoked token) skip the remaining attempts and go
// straight to the dead-letter inbox.
type DeliveryError struct {
	Platform   string
	StatusCode int
	Permanent  bool
	Message    string
	Cause      error
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("%s delivery failed", e.Platform)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
