package usecase

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

// HandoffService applies operator actions that move a conversation between
// bot and human handling.
type HandoffService struct {
	conversations repository.ConversationRepository
	turns         *service.TurnRegistry
	outbound      OutboundEnqueuer
	fanout        service.Fanout
	logger        *zap.Logger
}

// NewHandoffService creates the service.
func NewHandoffService(
	conversations repository.ConversationRepository,
	turns *service.TurnRegistry,
	outbound OutboundEnqueuer,
	fanout service.Fanout,
	logger *zap.Logger,
) *HandoffService {
	return &HandoffService{
		conversations: conversations,
		turns:         turns,
		outbound:      outbound,
		fanout:        fanout,
		logger:        logger.With(zap.String("component", "handoff")),
	}
}

// AgentReplyResult is returned to the dashboard.
type AgentReplyResult struct {
	MessageID    string               `json:"message_id"`
	Conversation *entity.Conversation `json:"conversation"`
	State        service.HandoffState `json:"state"`
}

// AgentReply hands the conversation to agentID, cancels any bot draft in
// flight and queues the agent's text for delivery. The auto-bot flag is
// stored before the reply is queued, so a bot turn that commits afterwards
// sees HUMAN_ACTIVE.
func (s *HandoffService) AgentReply(ctx context.Context, tenantID, conversationID, agentID, text string) (*AgentReplyResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, domainErrors.NewInvalidInputError("agent id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, domainErrors.NewInvalidInputError("reply text is required")
	}
	conv, err := s.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOpen() {
		return nil, domainErrors.NewConflictError("conversation is closed", entity.ErrConversationClosed)
	}
	next, err := service.NextHandoffState(service.StateOf(conv), service.TriggerAgentMessage)
	if err != nil {
		return nil, domainErrors.NewConflictError(err.Error(), err)
	}

	agent := agentID
	updated, err := s.conversations.SetHandoff(ctx, tenantID, conversationID, next == service.StateBotActive, &agent)
	if err != nil {
		return nil, err
	}
	if s.turns.Cancel(conversationID) {
		s.logger.Info("Cancelled in-flight bot draft",
			zap.String("tenant_id", tenantID),
			zap.String("conversation_id", conversationID),
		)
	}
	s.publishUpdate(ctx, updated, next)

	pending := entity.PendingOutbound{
		MessageID:             uuid.NewString(),
		TenantID:              tenantID,
		ConversationID:        conversationID,
		DestinationChannelID:  updated.DestinationChannelID(),
		ExternalParticipantID: updated.ExternalParticipantID,
		Role:                  entity.RoleAgent,
		Text:                  text,
		AuthorID:              agentID,
	}
	if err := s.outbound.Enqueue(ctx, pending); err != nil {
		return nil, domainErrors.NewUnavailableError("outbound queue", err)
	}

	s.logger.Info("Agent reply queued",
		zap.String("tenant_id", tenantID),
		zap.String("conversation_id", conversationID),
		zap.String("agent_id", agentID),
		zap.String("message_id", pending.MessageID),
	)
	return &AgentReplyResult{MessageID: pending.MessageID, Conversation: updated, State: next}, nil
}

// SetAutoBot toggles bot handling. Disabling cancels an in-flight draft;
// enabling clears the assigned agent.
func (s *HandoffService) SetAutoBot(ctx context.Context, tenantID, conversationID string, enabled bool) (*entity.Conversation, error) {
	conv, err := s.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	trigger := service.TriggerDisableBot
	if enabled {
		trigger = service.TriggerEnableBot
	}
	next, err := service.NextHandoffState(service.StateOf(conv), trigger)
	if err != nil {
		return nil, domainErrors.NewConflictError(err.Error(), err)
	}

	agent := conv.AssignedAgentID
	if next == service.StateBotActive {
		agent = nil
	}
	updated, err := s.conversations.SetHandoff(ctx, tenantID, conversationID, next == service.StateBotActive, agent)
	if err != nil {
		return nil, err
	}
	if !enabled {
		s.turns.Cancel(conversationID)
	}
	s.publishUpdate(ctx, updated, next)

	s.logger.Info("Auto-bot toggled",
		zap.String("tenant_id", tenantID),
		zap.String("conversation_id", conversationID),
		zap.Bool("enabled", enabled),
	)
	return updated, nil
}

func (s *HandoffService) publishUpdate(ctx context.Context, conv *entity.Conversation, state service.HandoffState) {
	if err := s.fanout.Publish(ctx, conv.TenantID, service.ConversationChannel(conv.TenantID, conv.ID), service.EventConversationUpdated, map[string]any{
		"conversation_id":   conv.ID,
		"state":             state,
		"auto_bot_enabled":  conv.AutoBotEnabled,
		"assigned_agent_id": conv.AssignedAgentID,
	}); err != nil {
		s.logger.Warn("Fanout publish failed", zap.Error(err))
	}
}
