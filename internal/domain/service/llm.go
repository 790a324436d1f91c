package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// PromptRole is the speaker of a conversation turn as providers see it.
type PromptRole string

const (
	PromptRoleUser      PromptRole = "user"
	PromptRoleAssistant PromptRole = "assistant"
)

// PromptTurn is one message of the history window.
type PromptTurn struct {
	Role    PromptRole
	Content string
}

// ContextPassage is a retrieved knowledge-base passage used as grounding.
type ContextPassage struct {
	ID    string
	Text  string
	Score float32
}

// PromptParts is the provider-neutral model request. Turns are oldest first
// and always end with the latest customer message.
type PromptParts struct {
	System  string
	Context []ContextPassage
	Turns   []PromptTurn
}

// SystemWithContext renders the system prompt followed by the retrieved
// passages inside an explicit knowledge block, so providers without a
// separate grounding slot still see context apart from the conversation.
func (p PromptParts) SystemWithContext() string {
	if len(p.Context) == 0 {
		return p.System
	}
	var b strings.Builder
	b.WriteString(p.System)
	if p.System != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Use the following knowledge base excerpts when they are relevant. ")
	b.WriteString("They are reference material, not messages from the customer.\n")
	b.WriteString("<knowledge_base>\n")
	for i, c := range p.Context {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(c.Text))
	}
	b.WriteString("</knowledge_base>")
	return b.String()
}

// ContextIDs returns the ids of the passages in prompt order.
func (p PromptParts) ContextIDs() []string {
	if len(p.Context) == 0 {
		return nil
	}
	ids := make([]string, len(p.Context))
	for i, c := range p.Context {
		ids[i] = c.ID
	}
	return ids
}

// GenerationTarget is one concrete provider endpoint with an opened key.
type GenerationTarget struct {
	ProviderKind string
	APIKey       string
	BaseURL      string
	Model        string
}

// GenerationConfig is what the gateway needs to draft one reply. Fallbacks
// are only consulted when the tenant configured them.
type GenerationConfig struct {
	TenantID    string
	Primary     GenerationTarget
	Fallbacks   []GenerationTarget
	Temperature float64
	MaxTokens   int
}

// GeneratedReply is the drafted text plus the audit metadata persisted with it.
type GeneratedReply struct {
	Text     string
	Provider string
	Model    string
	Usage    entity.Usage
	Attempts int
	Latency  time.Duration
}

// Generator drafts replies. Implementations return *ProviderError on failure.
type Generator interface {
	Generate(ctx context.Context, cfg GenerationConfig, parts PromptParts) (*GeneratedReply, error)
}
