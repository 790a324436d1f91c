package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"go.uber.org/zap"
)

// GenerationConfigSource resolves a tenant's provider configuration.
type GenerationConfigSource interface {
	GenerationConfig(ctx context.Context, tenantID string) (service.GenerationConfig, string, error)
}

// ContextRetriever fetches grounding passages, never failing the turn.
type ContextRetriever interface {
	RetrieveBestEffort(ctx context.Context, tenantID, queryText string, k int) []*entity.ScoredChunk
}

// OutboundEnqueuer hands finished replies to the dispatcher.
type OutboundEnqueuer interface {
	Enqueue(ctx context.Context, p entity.PendingOutbound) error
}

// BotTurnConfig sizes the prompt inputs.
type BotTurnConfig struct {
	RetrievalK      int
	HistoryMessages int
}

// TurnInput is the customer message a bot turn answers.
type TurnInput struct {
	TenantID          string
	ConversationID    string
	PlatformMessageID string
	Text              string
}

// TurnResult reports what a bot turn did.
type TurnResult struct {
	Decision service.Decision
	Reply    *entity.PendingOutbound
}

// replyNamespace derives bot reply ids from the inbound platform message id,
// so a re-run turn enqueues the same message id and dispatch dedupes it.
var replyNamespace = uuid.MustParse("6f1c2b9e-4a57-4a0e-9d8e-2f7b3c1a5e90")

// BotReplyID is the message id of the bot reply to one inbound message.
func BotReplyID(tenantID, platformMessageID string) string {
	return uuid.NewSHA1(replyNamespace, []byte(tenantID+"\x00"+platformMessageID)).String()
}

// BotTurn drafts one bot reply: decide, retrieve, compose, generate, and
// commit to the dispatcher only if the conversation is still bot-handled.
type BotTurn struct {
	decisions     *service.DecisionEngine
	turns         *service.TurnRegistry
	credentials   GenerationConfigSource
	retriever     ContextRetriever
	composer      *service.Composer
	generator     service.Generator
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	outbound      OutboundEnqueuer
	fanout        service.Fanout
	notifier      service.OperatorNotifier
	cfg           BotTurnConfig
	logger        *zap.Logger
}

// NewBotTurn creates a bot turn runner.
func NewBotTurn(
	decisions *service.DecisionEngine,
	turns *service.TurnRegistry,
	credentials GenerationConfigSource,
	retriever ContextRetriever,
	composer *service.Composer,
	generator service.Generator,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	outbound OutboundEnqueuer,
	fanout service.Fanout,
	notifier service.OperatorNotifier,
	cfg BotTurnConfig,
	logger *zap.Logger,
) *BotTurn {
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = 20
	}
	return &BotTurn{
		decisions:     decisions,
		turns:         turns,
		credentials:   credentials,
		retriever:     retriever,
		composer:      composer,
		generator:     generator,
		messages:      messages,
		conversations: conversations,
		outbound:      outbound,
		fanout:        fanout,
		notifier:      notifier,
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "bot_turn")),
	}
}

// Run executes a turn. ctx should be the conversation lease context: losing
// the lease aborts the turn before anything is committed.
//
// Returned errors: entity.ErrRaceAbort when a human took over mid-turn, a
// *service.ProviderError when generation failed (operators were already
// notified), anything else is an infrastructure failure worth a retry.
func (t *BotTurn) Run(ctx context.Context, in TurnInput) (TurnResult, error) {
	logger := t.logger.With(
		zap.String("tenant_id", in.TenantID),
		zap.String("conversation_id", in.ConversationID),
	)

	decision, conv, err := t.decisions.Decide(ctx, in.TenantID, in.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}
	result := TurnResult{Decision: decision}
	t.publish(ctx, in.TenantID, service.ConversationChannel(in.TenantID, in.ConversationID), service.EventBotDecision, map[string]any{
		"conversation_id": in.ConversationID,
		"draft":           decision.Draft,
		"state":           decision.State,
		"reason":          decision.Reason,
	})
	if !decision.Draft {
		logger.Info("Bot stays silent", zap.String("reason", string(decision.Reason)))
		return result, nil
	}

	turnCtx, end := t.turns.Begin(ctx, in.ConversationID)
	defer end()

	genCfg, systemPrompt, err := t.credentials.GenerationConfig(turnCtx, in.TenantID)
	if err != nil {
		perr := &service.ProviderError{
			Kind:      service.ErrKindBadRequest,
			Provider:  "config",
			Message:   "no usable provider configuration",
			Cause:     err,
			Exhausted: true,
		}
		t.generationFailed(ctx, conv, perr, logger)
		return result, perr
	}

	chunks := t.retriever.RetrieveBestEffort(turnCtx, in.TenantID, in.Text, t.cfg.RetrievalK)

	history, err := t.messages.Recent(turnCtx, in.TenantID, in.ConversationID, t.cfg.HistoryMessages)
	if err != nil {
		if aborted := t.abortedByHuman(ctx, turnCtx); aborted != nil {
			return result, aborted
		}
		return result, fmt.Errorf("load history: %w", err)
	}

	parts, err := t.composer.Compose(service.ComposeInput{
		SystemPrompt: systemPrompt,
		Chunks:       chunks,
		History:      history,
	})
	if err != nil {
		return result, fmt.Errorf("compose prompt: %w", err)
	}

	reply, err := t.generator.Generate(turnCtx, genCfg, parts)
	if err != nil {
		if aborted := t.abortedByHuman(ctx, turnCtx); aborted != nil {
			logger.Info("Generation cancelled by human takeover")
			return result, aborted
		}
		if ctx.Err() != nil {
			// 租约丢失或进程退出, 交给队列重投
			return result, fmt.Errorf("turn interrupted: %w", ctx.Err())
		}
		var perr *service.ProviderError
		if !errors.As(err, &perr) {
			perr = service.ClassifyError(err, genCfg.Primary.ProviderKind, genCfg.Primary.Model)
		}
		t.generationFailed(ctx, conv, perr, logger)
		return result, perr
	}

	// 提交前再读一次会话状态: 生成期间可能已转人工
	still, err := t.decisions.StillBotActive(ctx, in.TenantID, in.ConversationID)
	if err != nil {
		return result, fmt.Errorf("commit check: %w", err)
	}
	if !still || turnCtx.Err() != nil {
		logger.Info("Bot draft discarded", zap.Error(entity.ErrRaceAbort))
		return result, entity.ErrRaceAbort
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("lease lost before commit: %w", err)
	}

	usage := reply.Usage
	pending := entity.PendingOutbound{
		MessageID:             BotReplyID(in.TenantID, in.PlatformMessageID),
		TenantID:              in.TenantID,
		ConversationID:        in.ConversationID,
		DestinationChannelID:  conv.DestinationChannelID(),
		ExternalParticipantID: conv.ExternalParticipantID,
		Role:                  entity.RoleBot,
		Text:                  reply.Text,
		ProviderUsed:          reply.Provider,
		Model:                 reply.Model,
		Usage:                 &usage,
		RetrievedContextIDs:   parts.ContextIDs(),
	}
	if err := t.outbound.Enqueue(ctx, pending); err != nil {
		return result, err
	}
	result.Reply = &pending

	logger.Info("Bot reply drafted",
		zap.String("provider", reply.Provider),
		zap.String("model", reply.Model),
		zap.Int("context_chunks", len(parts.Context)),
		zap.Int("attempts", reply.Attempts),
		zap.Duration("latency", reply.Latency),
		zap.Int("total_tokens", reply.Usage.TotalTokens),
	)
	return result, nil
}

// abortedByHuman reports a race abort when the turn context was cancelled
// while the parent (lease) context is still alive.
func (t *BotTurn) abortedByHuman(parent, turnCtx context.Context) error {
	if turnCtx.Err() != nil && parent.Err() == nil {
		return entity.ErrRaceAbort
	}
	return nil
}

// generationFailed keeps the customer waiting in silence and tells operators.
func (t *BotTurn) generationFailed(ctx context.Context, conv *entity.Conversation, perr *service.ProviderError, logger *zap.Logger) {
	logger.Error("Reply generation failed",
		zap.String("provider", perr.Provider),
		zap.String("kind", perr.Kind.String()),
		zap.Error(perr),
	)
	if err := t.conversations.FlagAttention(ctx, conv.TenantID, conv.ID, "bot reply failed: "+perr.Error()); err != nil {
		logger.Warn("Failed to flag conversation", zap.Error(err))
	}
	if err := t.notifier.Notify(ctx, service.Alert{
		Kind:           service.AlertGenerationFailed,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Summary:        "Bot could not draft a reply",
		Detail:         perr.Error(),
	}); err != nil {
		logger.Warn("Failed to notify operators", zap.Error(err))
	}
	t.publish(ctx, conv.TenantID, service.ConversationChannel(conv.TenantID, conv.ID), service.EventReplyFailed, map[string]any{
		"conversation_id": conv.ID,
		"provider":        perr.Provider,
		"kind":            perr.Kind.String(),
	})
}

func (t *BotTurn) publish(ctx context.Context, tenantID, channel, eventType string, payload any) {
	if err := t.fanout.Publish(ctx, tenantID, channel, eventType, payload); err != nil {
		t.logger.Warn("Fanout publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
