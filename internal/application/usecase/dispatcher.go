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

// DispatcherConfig bounds delivery retries.
type DispatcherConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
	PersistRetries int
	PersistBackoff time.Duration
}

// Dispatcher drains the outbound queue: send, then persist the message and
// bump the conversation. A confirmed send is recorded in the delivery ledger
// first, so a redelivered job only retries persistence.
type Dispatcher struct {
	queue         service.JobQueue
	sender        service.PlatformSender
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	deliveries    repository.DeliveryRepository
	deadLetters   repository.DeadLetterRepository
	fanout        service.Fanout
	notifier      service.OperatorNotifier
	inbound       InboundRequeuer
	cfg           DispatcherConfig
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
	logger        *zap.Logger
}

// InboundRequeuer puts a parked customer message back on the inbound queue.
type InboundRequeuer interface {
	Requeue(ctx context.Context, letter *entity.DeadLetter) error
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	queue service.JobQueue,
	sender service.PlatformSender,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	deliveries repository.DeliveryRepository,
	deadLetters repository.DeadLetterRepository,
	fanout service.Fanout,
	notifier service.OperatorNotifier,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 5
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:         queue,
		sender:        sender,
		messages:      messages,
		conversations: conversations,
		deliveries:    deliveries,
		deadLetters:   deadLetters,
		fanout:        fanout,
		notifier:      notifier,
		cfg:           cfg,
		sleep:         sleepCtx,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "dispatcher")),
	}
}

// SetInboundRequeuer lets Redeliver route customer dead letters.
func (d *Dispatcher) SetInboundRequeuer(r InboundRequeuer) {
	d.inbound = r
}

// Enqueue places a reply on the outbound queue, keyed by conversation.
func (d *Dispatcher) Enqueue(ctx context.Context, p entity.PendingOutbound) error {
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.TenantID == "" || p.ConversationID == "" {
		return domainErrors.NewInvalidInputError("outbound reply needs tenant and conversation")
	}
	job := entity.OutboundJob{JobID: uuid.NewString(), PendingOutbound: p}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode outbound job: %w", err)
	}
	if err := d.queue.Publish(ctx, service.Job{ID: job.JobID, Key: p.ConversationID, Body: body, Attempt: p.Attempt}); err != nil {
		return fmt.Errorf("enqueue outbound: %w", err)
	}
	d.logger.Debug("Outbound enqueued",
		zap.String("tenant_id", p.TenantID),
		zap.String("conversation_id", p.ConversationID),
		zap.String("message_id", p.MessageID),
		zap.String("role", string(p.Role)),
	)
	return nil
}

// Run consumes the outbound queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.queue.Consume(ctx, d.HandleJob)
}

// HandleJob delivers one outbound reply.
func (d *Dispatcher) HandleJob(ctx context.Context, job service.Job) error {
	var out entity.OutboundJob
	if err := json.Unmarshal(job.Body, &out); err != nil {
		return fmt.Errorf("decode outbound job %s: %w", job.ID, entity.ErrPoison)
	}
	p := out.PendingOutbound
	logger := d.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", p.TenantID),
		zap.String("conversation_id", p.ConversationID),
		zap.String("message_id", p.MessageID),
	)

	// 幂等检查: 消息已落库说明上一次已经完成
	persisted, err := d.messages.Exists(ctx, p.TenantID, p.MessageID)
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if persisted {
		logger.Info("Outbound already persisted, skipping")
		return nil
	}

	sent := p.Sent
	if !sent {
		if sent, err = d.deliveries.WasSent(ctx, p.TenantID, p.MessageID); err != nil {
			return fmt.Errorf("check delivery ledger: %w", err)
		}
	}

	justSent := false
	if !sent {
		if p.Role == entity.RoleBot && !p.OperatorRedelivery {
			conv, err := d.conversations.Get(ctx, p.TenantID, p.ConversationID)
			if err != nil {
				return fmt.Errorf("read conversation: %w", err)
			}
			if !conv.AutoBotEnabled {
				logger.Info("Bot reply dropped at dispatch", zap.Error(entity.ErrRaceAbort))
				return nil
			}
		}

		platformID, attempts, sendErr := d.deliver(ctx, p, logger)
		if sendErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return d.deadLetter(ctx, p, attempts, sendErr, logger)
		}
		sentAt := d.now().UTC()
		p.Sent, p.SentAt, p.Attempt = true, &sentAt, attempts
		justSent = true
		receipt := &entity.DeliveryReceipt{
			MessageID:         p.MessageID,
			TenantID:          p.TenantID,
			PlatformMessageID: platformID,
			SentAt:            sentAt,
		}
		if err := d.retryPersist(ctx, "mark sent", func(ctx context.Context) error {
			return d.deliveries.MarkSent(ctx, receipt)
		}); err != nil {
			// 客户已收到消息; 账本写失败只能记录, 继续尝试落库
			logger.Error("Failed to record delivery receipt", zap.Error(err))
		}
	} else {
		logger.Info("Outbound already sent, retrying persistence only")
	}

	msg, err := d.persist(ctx, p)
	if err != nil {
		if !justSent {
			// 账本或作业体已记录发送, 重投只会重试落库
			logger.Error("Sent message not persisted, will retry", zap.Error(err))
			return err
		}
		// 本次刚发送成功: 之后只能重试落库, 不能再回到发送路径
		qerr := d.Enqueue(ctx, p)
		if qerr == nil {
			logger.Warn("Sent message not persisted, requeued for persistence only", zap.Error(err))
			return nil
		}
		logger.Error("Sent message not persisted and could not be requeued, retrying in place",
			zap.Error(err), zap.NamedError("queue_error", qerr))
		if msg, err = d.persistUntilDone(ctx, p, logger); err != nil {
			return err
		}
	}

	d.publish(ctx, p.TenantID, service.ConversationChannel(p.TenantID, p.ConversationID), service.EventMessageCreated, msg)
	d.publish(ctx, p.TenantID, service.TenantChannel(p.TenantID), service.EventConversationUpdated, map[string]any{
		"conversation_id": p.ConversationID,
		"last_message_at": msg.CreatedAt,
		"role":            msg.Role,
	})
	logger.Info("Outbound delivered", zap.String("role", string(p.Role)))
	return nil
}

// deliver sends with exponential backoff up to MaxAttempts. The attempt
// counter carried in the job survives redelivery.
func (d *Dispatcher) deliver(ctx context.Context, p entity.PendingOutbound, logger *zap.Logger) (string, int, error) {
	msg := service.OutboundMessage{
		TenantID:             p.TenantID,
		DestinationChannelID: p.DestinationChannelID,
		ParticipantID:        p.ExternalParticipantID,
		Text:                 p.Text,
	}

	var lastErr error
	attempt := p.Attempt
	for attempt < d.cfg.MaxAttempts {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		platformID, err := d.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return platformID, attempt, nil
		}
		lastErr = err
		logger.Warn("Platform send failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.cfg.MaxAttempts),
			zap.Error(err),
		)

		var de *service.DeliveryError
		if errors.As(err, &de) && de.Permanent {
			break
		}
		if attempt >= d.cfg.MaxAttempts {
			break
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			return "", attempt, err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("attempt ceiling of %d already reached", d.cfg.MaxAttempts)
	}
	return "", attempt, lastErr
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.BaseBackoff << (attempt - 1)
	if b <= 0 || b > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return b
}

// persist writes the message row and bumps the conversation, retrying each
// step on its own. A message id that already exists counts as persisted.
func (d *Dispatcher) persist(ctx context.Context, p entity.PendingOutbound) (*entity.Message, error) {
	msg := &entity.Message{
		ID:                  p.MessageID,
		TenantID:            p.TenantID,
		ConversationID:      p.ConversationID,
		Role:                p.Role,
		Text:                p.Text,
		ProviderUsed:        p.ProviderUsed,
		Model:               p.Model,
		Usage:               p.Usage,
		RetrievedContextIDs: p.RetrievedContextIDs,
		AuthorID:            p.AuthorID,
		CreatedAt:           d.now().UTC(),
	}
	if p.SentAt != nil {
		msg.CreatedAt = p.SentAt.UTC()
	}

	err := d.retryPersist(ctx, "append message", func(ctx context.Context) error {
		err := d.messages.Append(ctx, msg)
		if domainErrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	err = d.retryPersist(ctx, "touch conversation", func(ctx context.Context) error {
		return d.conversations.Touch(ctx, p.TenantID, p.ConversationID, msg.CreatedAt, p.Role)
	})
	if err != nil {
		return nil, err
	}

	if p.Role == entity.RoleAgent {
		if err := d.conversations.ClearAttention(ctx, p.TenantID, p.ConversationID); err != nil {
			d.logger.Warn("Failed to clear attention flag", zap.String("conversation_id", p.ConversationID), zap.Error(err))
		}
	}
	return msg, nil
}

// persistUntilDone keeps persisting a sent reply until it sticks or ctx ends.
func (d *Dispatcher) persistUntilDone(ctx context.Context, p entity.PendingOutbound, logger *zap.Logger) (*entity.Message, error) {
	for {
		if err := d.sleep(ctx, d.cfg.PersistBackoff); err != nil {
			return nil, err
		}
		msg, err := d.persist(ctx, p)
		if err == nil {
			return msg, nil
		}
		logger.Warn("Persisting sent message failed again", zap.Error(err))
	}
}

func (d *Dispatcher) retryPersist(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < d.cfg.PersistRetries; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if domainErrors.IsNotFound(err) || domainErrors.IsInvalidInput(err) {
			return err
		}
		if i < d.cfg.PersistRetries-1 {
			if serr := d.sleep(ctx, d.cfg.PersistBackoff); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("%s: %w", step, err)
}

// deadLetter parks the reply for operators. The stored text is what gets
// resent on redelivery.
func (d *Dispatcher) deadLetter(ctx context.Context, p entity.PendingOutbound, attempts int, cause error, logger *zap.Logger) error {
	p.Attempt = attempts
	payload, _ := json.Marshal(p)
	letter := &entity.DeadLetter{
		TenantID:              p.TenantID,
		MessageID:             p.MessageID,
		ConversationID:        p.ConversationID,
		DestinationChannelID:  p.DestinationChannelID,
		ExternalParticipantID: p.ExternalParticipantID,
		Role:                  p.Role,
		Text:                  p.Text,
		Attempts:              attempts,
		LastError:             cause.Error(),
		Payload:               payload,
		CreatedAt:             d.now().UTC(),
	}
	if err := d.deadLetters.Add(ctx, letter); err != nil {
		// 死信未落库则交给队列重投
		return fmt.Errorf("store dead letter: %w", err)
	}
	logger.Error("Outbound dead-lettered", zap.Int("attempts", attempts), zap.Error(cause))

	if err := d.conversations.FlagAttention(ctx, p.TenantID, p.ConversationID, "reply delivery failed: "+cause.Error()); err != nil {
		logger.Warn("Failed to flag conversation", zap.Error(err))
	}
	if err := d.notifier.Notify(ctx, service.Alert{
		Kind:           service.AlertDeadLettered,
		TenantID:       p.TenantID,
		ConversationID: p.ConversationID,
		Summary:        fmt.Sprintf("Reply could not be delivered after %d attempts", attempts),
		Detail:         cause.Error(),
	}); err != nil {
		logger.Warn("Failed to notify operators", zap.Error(err))
	}
	d.publish(ctx, p.TenantID, service.TenantChannel(p.TenantID), service.EventDeadLettered, letter)
	return nil
}

// Redeliver resends a dead letter's stored text. The text is never
// regenerated.
func (d *Dispatcher) Redeliver(ctx context.Context, tenantID, deadLetterID string) error {
	letter, err := d.deadLetters.Get(ctx, tenantID, deadLetterID)
	if err != nil {
		return err
	}
	if letter.ResolvedAt != nil {
		return domainErrors.NewConflictError("dead letter already resolved", nil)
	}
	if letter.Role == entity.RoleCustomer {
		return d.requeueInbound(ctx, letter)
	}

	var p entity.PendingOutbound
	if len(letter.Payload) == 0 || json.Unmarshal(letter.Payload, &p) != nil {
		p = entity.PendingOutbound{
			MessageID:             letter.MessageID,
			TenantID:              letter.TenantID,
			ConversationID:        letter.ConversationID,
			DestinationChannelID:  letter.DestinationChannelID,
			ExternalParticipantID: letter.ExternalParticipantID,
			Role:                  letter.Role,
			Text:                  letter.Text,
		}
	}
	p.Text = letter.Text
	p.Attempt = 0
	p.OperatorRedelivery = true
	p.Sent, p.SentAt = false, nil

	if err := d.Enqueue(ctx, p); err != nil {
		return err
	}
	if err := d.deadLetters.Resolve(ctx, tenantID, deadLetterID); err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	d.logger.Info("Dead letter redelivered",
		zap.String("tenant_id", tenantID),
		zap.String("dead_letter_id", deadLetterID),
		zap.String("message_id", p.MessageID),
	)
	return nil
}

// requeueInbound hands a parked customer message back to the inbound
// pipeline so the bot turn runs again.
func (d *Dispatcher) requeueInbound(ctx context.Context, letter *entity.DeadLetter) error {
	if d.inbound == nil {
		return domainErrors.NewConflictError("customer messages cannot be redelivered here", nil)
	}
	if err := d.inbound.Requeue(ctx, letter); err != nil {
		return err
	}
	if err := d.deadLetters.Resolve(ctx, letter.TenantID, letter.ID); err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	d.logger.Info("Inbound dead letter requeued",
		zap.String("tenant_id", letter.TenantID),
		zap.String("dead_letter_id", letter.ID),
		zap.String("conversation_id", letter.ConversationID),
	)
	return nil
}

// DeadLetters lists a tenant's dead letters, newest first.
func (d *Dispatcher) DeadLetters(ctx context.Context, tenantID string, includeResolved bool, limit int) ([]*entity.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return d.deadLetters.List(ctx, tenantID, includeResolved, limit)
}

func (d *Dispatcher) publish(ctx context.Context, tenantID, channel, eventType string, payload any) {
	if err := d.fanout.Publish(ctx, tenantID, channel, eventType, payload); err != nil {
		d.logger.Warn("Fanout publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
