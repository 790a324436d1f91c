package service

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// ComposerLimits caps prompt size. Zero values fall back to defaults.
type ComposerLimits struct {
	MaxMessages     int
	MaxHistoryChars int
	MaxContextChars int
}

// ComposeInput is everything a reply prompt is built from. History is oldest
// first and must contain the customer message being answered.
type ComposeInput struct {
	SystemPrompt string
	Chunks       []*entity.ScoredChunk
	History      []*entity.Message
}

// ErrNoCustomerMessage is returned when the history has nothing to answer.
var ErrNoCustomerMessage = errors.New("history has no customer message")

// Composer builds provider-neutral prompts.
type Composer struct {
	limits ComposerLimits
}

// NewComposer creates a composer.
func NewComposer(limits ComposerLimits) *Composer {
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = 20
	}
	if limits.MaxHistoryChars <= 0 {
		limits.MaxHistoryChars = 8000
	}
	if limits.MaxContextChars <= 0 {
		limits.MaxContextChars = 4000
	}
	return &Composer{limits: limits}
}

// Compose assembles system prompt, grounding passages and a bounded history
// window. The system prompt and the latest customer message are always kept;
// older history is trimmed first.
func (c *Composer) Compose(in ComposeInput) (PromptParts, error) {
	latest := -1
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].Role == entity.RoleCustomer {
			latest = i
			break
		}
	}
	if latest < 0 {
		return PromptParts{}, ErrNoCustomerMessage
	}

	window := []*entity.Message{in.History[latest]}
	budget := c.limits.MaxHistoryChars - utf8.RuneCountInString(in.History[latest].Text)
	for i := latest - 1; i >= 0 && len(window) < c.limits.MaxMessages; i-- {
		n := utf8.RuneCountInString(in.History[i].Text)
		if n > budget {
			break
		}
		budget -= n
		window = append(window, in.History[i])
	}
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}

	return PromptParts{
		System:  strings.TrimSpace(in.SystemPrompt),
		Context: c.passages(in.Chunks),
		Turns:   toTurns(window),
	}, nil
}

func (c *Composer) passages(chunks []*entity.ScoredChunk) []ContextPassage {
	budget := c.limits.MaxContextChars
	var out []ContextPassage
	for _, ch := range chunks {
		n := utf8.RuneCountInString(ch.Text)
		if n > budget {
			continue
		}
		budget -= n
		out = append(out, ContextPassage{ID: ch.ID, Text: ch.Text, Score: ch.Score})
	}
	return out
}

// toTurns maps roles, merges consecutive same-speaker messages and drops
// leading assistant turns, since several providers require a user turn first.
func toTurns(msgs []*entity.Message) []PromptTurn {
	var turns []PromptTurn
	for _, m := range msgs {
		role := PromptRoleAssistant
		if m.Role == entity.RoleCustomer {
			role = PromptRoleUser
		}
		if len(turns) == 0 && role == PromptRoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Text
			continue
		}
		turns = append(turns, PromptTurn{Role: role, Content: m.Text})
	}
	return turns
}
