package entity

import (
	"errors"
	"testing"
)

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"acme", true},
		{"acme-eu_2", true},
		{"", false},
		{"   ", false},
		{"acme:eu", false},
		{":", false},
	}
	for _, tt := range tests {
		err := ValidateTenantID(tt.id)
		if tt.ok && err != nil {
			t.Errorf("ValidateTenantID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTenantID) {
			t.Errorf("ValidateTenantID(%q) = %v, want ErrInvalidTenantID", tt.id, err)
		}
	}
}

func TestInboundEvent_ValidateRejectsChannelSeparatorInTenant(t *testing.T) {
	evt := InboundEvent{
		TenantID:               "acme:eu",
		ChannelConversationKey: ChannelConversationKey{Platform: "messenger", PageID: "p1", SenderID: "s1"},
		RawText:                "hi",
		PlatformMessageID:      "m1",
	}
	if err := evt.Validate(); !errors.Is(err, ErrInvalidTenantID) {
		t.Fatalf("Validate() = %v, want ErrInvalidTenantID", err)
	}
	evt.TenantID = "acme"
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}
