package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	domainErrors "github.com/replyhub/replyhub/pkg/errors"
	"go.uber.org/zap"
)

// SubmitStatus is the webhook-facing outcome of Submit.
type SubmitStatus string

const (
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitDuplicate SubmitStatus = "duplicate"
)

// SubmitResult is returned to the webhook gate.
type SubmitResult struct {
	Status         SubmitStatus `json:"status"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// InboundPipeline accepts normalized customer messages and processes them
// one conversation at a time.
type InboundPipeline struct {
	queue         service.JobQueue
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	deadLetters   repository.DeadLetterRepository
	leaser        *service.Leaser
	turn          *BotTurn
	fanout        service.Fanout
	notifier      service.OperatorNotifier
	now           func() time.Time
	logger        *zap.Logger
}

// NewInboundPipeline creates the pipeline.
func NewInboundPipeline(
	queue service.JobQueue,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	deadLetters repository.DeadLetterRepository,
	leaser *service.Leaser,
	turn *BotTurn,
	fanout service.Fanout,
	notifier service.OperatorNotifier,
	logger *zap.Logger,
) *InboundPipeline {
	return &InboundPipeline{
		queue:         queue,
		conversations: conversations,
		messages:      messages,
		deadLetters:   deadLetters,
		leaser:        leaser,
		turn:          turn,
		fanout:        fanout,
		notifier:      notifier,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "inbound")),
	}
}

// Submit validates the event, short-circuits already seen platform message
// ids and enqueues the rest keyed by conversation. It returns once the job
// is durably queued.
func (p *InboundPipeline) Submit(ctx context.Context, evt entity.InboundEvent) (SubmitResult, error) {
	if err := evt.Validate(); err != nil {
		return SubmitResult{}, domainErrors.NewInvalidInputError(err.Error())
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = p.now().UTC()
	}

	seen, err := p.messages.ExistsByPlatformID(ctx, evt.TenantID, evt.PlatformMessageID)
	if err != nil {
		return SubmitResult{}, domainErrors.NewUnavailableError("message store", err)
	}
	if seen {
		p.logger.Info("Duplicate inbound event",
			zap.String("tenant_id", evt.TenantID),
			zap.String("platform_message_id", evt.PlatformMessageID),
		)
		return SubmitResult{Status: SubmitDuplicate}, nil
	}

	conv, err := p.conversations.Resolve(ctx, evt.TenantID, evt.ChannelConversationKey)
	if err != nil {
		return SubmitResult{}, domainErrors.NewUnavailableError("conversation store", err)
	}

	job := entity.InboundJob{
		JobID:             uuid.NewString(),
		TenantID:          evt.TenantID,
		ConversationID:    conv.ID,
		Key:               evt.ChannelConversationKey,
		PlatformMessageID: evt.PlatformMessageID,
		Text:              evt.RawText,
		ReceivedAt:        evt.ReceivedAt,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return SubmitResult{}, domainErrors.NewInternalErrorWithCause("encode inbound job", err)
	}
	if err := p.queue.Publish(ctx, service.Job{ID: job.JobID, Key: conv.ID, Body: body}); err != nil {
		return SubmitResult{}, domainErrors.NewUnavailableError("inbound queue", err)
	}

	p.logger.Debug("Inbound event queued",
		zap.String("tenant_id", evt.TenantID),
		zap.String("conversation_id", conv.ID),
		zap.String("platform_message_id", evt.PlatformMessageID),
	)
	return SubmitResult{Status: SubmitAccepted, ConversationID: conv.ID}, nil
}

// Run consumes the inbound queue until ctx is done.
func (p *InboundPipeline) Run(ctx context.Context) error {
	return p.queue.Consume(ctx, p.HandleJob)
}

// HandleJob persists the customer message under the conversation lease and
// runs the bot turn. A nil return acknowledges the job. A job that still
// fails on its final delivery is parked as a dead letter.
func (p *InboundPipeline) HandleJob(ctx context.Context, job service.Job) error {
	var in entity.InboundJob
	if err := json.Unmarshal(job.Body, &in); err != nil {
		return fmt.Errorf("decode inbound job %s: %w", job.ID, entity.ErrPoison)
	}
	if in.TenantID == "" || in.ConversationID == "" || in.PlatformMessageID == "" {
		return fmt.Errorf("inbound job %s is incomplete: %w", job.ID, entity.ErrPoison)
	}
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", in.TenantID),
		zap.String("conversation_id", in.ConversationID),
		zap.String("platform_message_id", in.PlatformMessageID),
		zap.Int("attempt", job.Attempt),
	)

	err := p.process(ctx, job, in, logger)
	if err == nil || !job.Final || ctx.Err() != nil ||
		errors.Is(err, entity.ErrPoison) || errors.Is(err, entity.ErrLeaseHeld) {
		return err
	}
	return p.park(ctx, job, in, err, logger)
}

func (p *InboundPipeline) process(ctx context.Context, job service.Job, in entity.InboundJob, logger *zap.Logger) error {
	lease, err := p.leaser.Acquire(ctx, service.ConversationLeaseKey(in.TenantID, in.ConversationID))
	if err != nil {
		if errors.Is(err, entity.ErrLeaseHeld) {
			logger.Debug("Conversation busy, job will be redelivered")
		}
		return err
	}
	defer func() {
		if err := p.leaser.Release(ctx, lease); err != nil {
			logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()
	leaseCtx := lease.Context()

	msg := &entity.Message{
		ID:                uuid.NewString(),
		TenantID:          in.TenantID,
		ConversationID:    in.ConversationID,
		Role:              entity.RoleCustomer,
		Text:              in.Text,
		PlatformMessageID: in.PlatformMessageID,
		CreatedAt:         in.ReceivedAt,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = p.now().UTC()
	}
	err = p.messages.Append(leaseCtx, msg)
	switch {
	case errors.Is(err, entity.ErrDuplicateEvent):
		// 首次投递就重复: 另一条作业已处理同一事件
		if job.Attempt == 0 {
			logger.Info("Inbound message already stored, skipping")
			return nil
		}
		// 重投: 上一次可能在生成回复前中断, 回复 id 确定, 重跑不会重复发送
		logger.Info("Resuming bot turn for redelivered job")
	case err != nil:
		return fmt.Errorf("append customer message: %w", err)
	default:
		if err := p.conversations.Touch(leaseCtx, in.TenantID, in.ConversationID, msg.CreatedAt, entity.RoleCustomer); err != nil {
			logger.Warn("Failed to bump conversation", zap.Error(err))
		}
		p.publish(leaseCtx, in.TenantID, in.ConversationID, service.EventMessageCreated, msg)
		p.publish(leaseCtx, in.TenantID, in.ConversationID, service.EventConversationUpdated, map[string]any{
			"conversation_id": in.ConversationID,
			"last_message_at": msg.CreatedAt,
		})
	}

	_, err = p.turn.Run(leaseCtx, TurnInput{
		TenantID:          in.TenantID,
		ConversationID:    in.ConversationID,
		PlatformMessageID: in.PlatformMessageID,
		Text:              in.Text,
	})
	var perr *service.ProviderError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, entity.ErrRaceAbort):
		logger.Info("Bot turn aborted by human takeover")
		return nil
	case errors.As(err, &perr):
		// 已通知运营, 不重投
		return nil
	case domainErrors.IsNotFound(err):
		return fmt.Errorf("conversation vanished: %w", entity.ErrPoison)
	}
	return err
}

// park stores a job that ran out of redeliveries as a dead letter, flags
// the conversation and pages operators.
func (p *InboundPipeline) park(ctx context.Context, job service.Job, in entity.InboundJob, cause error, logger *zap.Logger) error {
	letter := &entity.DeadLetter{
		TenantID:              in.TenantID,
		MessageID:             in.PlatformMessageID,
		ConversationID:        in.ConversationID,
		DestinationChannelID:  in.Key.DestinationChannelID(),
		ExternalParticipantID: in.Key.SenderID,
		Role:                  entity.RoleCustomer,
		Text:                  in.Text,
		Attempts:              job.Attempt + 1,
		LastError:             cause.Error(),
		Payload:               job.Body,
		CreatedAt:             p.now().UTC(),
	}
	if err := p.deadLetters.Add(ctx, letter); err != nil {
		// 死信未落库则交给队列的死信列表
		logger.Error("Failed to store inbound dead letter", zap.Error(err), zap.NamedError("cause", cause))
		return fmt.Errorf("store dead letter: %w", err)
	}
	logger.Error("Inbound job dead-lettered", zap.Int("attempts", letter.Attempts), zap.Error(cause))

	if err := p.conversations.FlagAttention(ctx, in.TenantID, in.ConversationID, "customer message not processed: "+cause.Error()); err != nil {
		logger.Warn("Failed to flag conversation", zap.Error(err))
	}
	if err := p.notifier.Notify(ctx, service.Alert{
		Kind:           service.AlertDeadLettered,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		Summary:        fmt.Sprintf("Customer message could not be processed after %d attempts", letter.Attempts),
		Detail:         cause.Error(),
	}); err != nil {
		logger.Warn("Failed to notify operators", zap.Error(err))
	}
	if err := p.fanout.Publish(ctx, in.TenantID, service.TenantChannel(in.TenantID), service.EventDeadLettered, letter); err != nil {
		logger.Warn("Fanout publish failed", zap.String("event", service.EventDeadLettered), zap.Error(err))
	}
	return nil
}

// Requeue puts a parked customer message back on the inbound queue. The job
// is marked as a redelivery so a message that was already stored still gets
// its bot turn.
func (p *InboundPipeline) Requeue(ctx context.Context, letter *entity.DeadLetter) error {
	var in entity.InboundJob
	if len(letter.Payload) == 0 || json.Unmarshal(letter.Payload, &in) != nil || in.ConversationID == "" {
		return domainErrors.NewInvalidInputError("dead letter carries no inbound job")
	}
	in.JobID = uuid.NewString()
	in.Attempt = 0
	body, err := json.Marshal(in)
	if err != nil {
		return domainErrors.NewInternalErrorWithCause("encode inbound job", err)
	}
	if err := p.queue.Publish(ctx, service.Job{ID: in.JobID, Key: in.ConversationID, Body: body, Attempt: 1}); err != nil {
		return domainErrors.NewUnavailableError("inbound queue", err)
	}
	return nil
}

func (p *InboundPipeline) publish(ctx context.Context, tenantID, conversationID, eventType string, payload any) {
	if err := p.fanout.Publish(ctx, tenantID, service.ConversationChannel(tenantID, conversationID), eventType, payload); err != nil {
		p.logger.Warn("Fanout publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
