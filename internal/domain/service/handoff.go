package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
)

// HandoffState is who answers the customer.
type HandoffState string

const (
	StateBotActive   HandoffState = "BOT_ACTIVE"
	StateHumanActive HandoffState = "HUMAN_ACTIVE"
)

// HandoffTrigger is an event that may move a conversation between states.
type HandoffTrigger string

const (
	TriggerAgentMessage HandoffTrigger = "agent_message"
	TriggerDisableBot   HandoffTrigger = "disable_bot"
	TriggerEnableBot    HandoffTrigger = "enable_bot"
)

// handoffTransitions defines the allowed transitions. There is deliberately no
// timer-driven edge back to BOT_ACTIVE: only an explicit enable gets there.
var handoffTransitions = map[HandoffState]map[HandoffTrigger]HandoffState{
	StateBotActive: {
		TriggerAgentMessage: StateHumanActive,
		TriggerDisableBot:   StateHumanActive,
		TriggerEnableBot:    StateBotActive,
	},
	StateHumanActive: {
		TriggerAgentMessage: StateHumanActive,
		TriggerDisableBot:   StateHumanActive,
		TriggerEnableBot:    StateBotActive,
	},
}

// StateOf derives the handoff state from the stored auto-bot flag.
func StateOf(c *entity.Conversation) HandoffState {
	if c.AutoBotEnabled {
		return StateBotActive
	}
	return StateHumanActive
}

// NextHandoffState returns the state trigger leads to from from.
func NextHandoffState(from HandoffState, trigger HandoffTrigger) (HandoffState, error) {
	edges, ok := handoffTransitions[from]
	if !ok {
		return from, fmt.Errorf("unknown handoff state %q", from)
	}
	to, ok := edges[trigger]
	if !ok {
		return from, fmt.Errorf("invalid handoff trigger %q in state %s", trigger, from)
	}
	return to, nil
}

// DecisionReason explains a bot/human decision in logs and events.
type DecisionReason string

const (
	ReasonBotActive          DecisionReason = "bot_active"
	ReasonAutoBotDisabled    DecisionReason = "auto_bot_disabled"
	ReasonAgentCooldown      DecisionReason = "agent_cooldown"
	ReasonConversationClosed DecisionReason = "conversation_closed"
)

// Decision is the outcome for one inbound customer message.
type Decision struct {
	Draft  bool
	State  HandoffState
	Reason DecisionReason
}

// DecisionEngine decides whether the bot drafts a reply. It always reads the
// conversation straight from the store so a toggle made while the event sat
// in the queue is honoured.
type DecisionEngine struct {
	conversations repository.ConversationRepository
	cooldown      time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewDecisionEngine creates a decision engine. cooldown keeps the bot quiet
// for that long after an agent reply even if auto-bot was re-enabled.
func NewDecisionEngine(conversations repository.ConversationRepository, cooldown time.Duration, logger *zap.Logger) *DecisionEngine {
	return &DecisionEngine{
		conversations: conversations,
		cooldown:      cooldown,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "decision")),
	}
}

// Decide re-reads the conversation and returns the decision together with
// the fresh snapshot it was based on.
func (e *DecisionEngine) Decide(ctx context.Context, tenantID, conversationID string) (Decision, *entity.Conversation, error) {
	conv, err := e.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("read conversation: %w", err)
	}
	return e.decide(conv), conv, nil
}

func (e *DecisionEngine) decide(conv *entity.Conversation) Decision {
	state := StateOf(conv)
	switch {
	case !conv.IsOpen():
		return Decision{State: state, Reason: ReasonConversationClosed}
	case state == StateHumanActive:
		return Decision{State: state, Reason: ReasonAutoBotDisabled}
	case e.cooldown > 0 && conv.LastAgentReplyAt != nil && e.now().Sub(*conv.LastAgentReplyAt) < e.cooldown:
		return Decision{State: state, Reason: ReasonAgentCooldown}
	}
	return Decision{Draft: true, State: state, Reason: ReasonBotActive}
}

// StillBotActive is the commit-time check made after generation: the draft
// may only ship if the conversation is still in bot hands.
func (e *DecisionEngine) StillBotActive(ctx context.Context, tenantID, conversationID string) (bool, error) {
	d, _, err := e.Decide(ctx, tenantID, conversationID)
	if err != nil {
		return false, err
	}
	return d.Draft, nil
}
