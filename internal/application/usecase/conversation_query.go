package usecase

import (
	"context"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"go.uber.org/zap"
)

// ConversationSnapshot is what the dashboard renders for one conversation.
type ConversationSnapshot struct {
	Conversation *entity.Conversation `json:"conversation"`
	State        service.HandoffState `json:"state"`
	Messages     []*entity.Message    `json:"messages"`
	Unread       int64                `json:"unread"`
}

// ConversationQuery serves dashboard reads. Unread counts use the
// conversation's AgentLastSeenAt as the only last-seen signal.
type ConversationQuery struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	fanout        service.Fanout
	now           func() time.Time
	logger        *zap.Logger
}

// NewConversationQuery creates the query service.
func NewConversationQuery(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	fanout service.Fanout,
	logger *zap.Logger,
) *ConversationQuery {
	return &ConversationQuery{
		conversations: conversations,
		messages:      messages,
		fanout:        fanout,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "conversation_query")),
	}
}

// Snapshot returns the conversation with its latest messages.
func (q *ConversationQuery) Snapshot(ctx context.Context, tenantID, conversationID string, limit int) (*ConversationSnapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	conv, err := q.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := q.messages.Recent(ctx, tenantID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	unread, err := q.messages.CountCustomerSince(ctx, tenantID, conversationID, conv.AgentLastSeenAt)
	if err != nil {
		return nil, err
	}
	return &ConversationSnapshot{
		Conversation: conv,
		State:        service.StateOf(conv),
		Messages:     msgs,
		Unread:       unread,
	}, nil
}

// UnreadCount counts customer messages newer than the agent's last look.
func (q *ConversationQuery) UnreadCount(ctx context.Context, tenantID, conversationID string) (int64, error) {
	conv, err := q.conversations.Get(ctx, tenantID, conversationID)
	if err != nil {
		return 0, err
	}
	return q.messages.CountCustomerSince(ctx, tenantID, conversationID, conv.AgentLastSeenAt)
}

// MarkSeen records that an agent has read the conversation up to now.
func (q *ConversationQuery) MarkSeen(ctx context.Context, tenantID, conversationID string) (time.Time, error) {
	at := q.now().UTC()
	if err := q.conversations.MarkSeen(ctx, tenantID, conversationID, at); err != nil {
		return time.Time{}, err
	}
	if err := q.fanout.Publish(ctx, tenantID, service.ConversationChannel(tenantID, conversationID), service.EventConversationUpdated, map[string]any{
		"conversation_id":    conversationID,
		"agent_last_seen_at": at,
		"unread":             0,
	}); err != nil {
		q.logger.Warn("Fanout publish failed", zap.Error(err))
	}
	return at, nil
}
