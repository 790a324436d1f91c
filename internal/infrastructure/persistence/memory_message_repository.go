package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/pkg/errors"
)

// MemoryMessageRepository 内存实现的消息仓储（用于开发/测试）
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*entity.Message
	// 会话ID到消息ID列表的映射 (按追加顺序)
	convMessages map[string][]string
	// tenant + platform message id 唯一索引
	platformIDs map[string]string
	now         func() time.Time
}

// NewMemoryMessageRepository 创建内存消息仓储
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		messages:     make(map[string]*entity.Message),
		convMessages: make(map[string][]string),
		platformIDs:  make(map[string]string),
		now:          time.Now,
	}
}

var _ repository.MessageRepository = (*MemoryMessageRepository)(nil)

// Append 追加消息
func (r *MemoryMessageRepository) Append(_ context.Context, message *entity.Message) error {
	if err := message.Validate(); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if message.PlatformMessageID != "" {
		if _, dup := r.platformIDs[message.TenantID+"\x00"+message.PlatformMessageID]; dup {
			return entity.ErrDuplicateEvent
		}
	}
	if _, dup := r.messages[message.ID]; dup {
		return errors.NewAlreadyExistsError("message already exists: " + message.ID)
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = r.now().UTC()
	}
	stored := *message
	stored.RetrievedContextIDs = append([]string(nil), message.RetrievedContextIDs...)
	r.messages[message.ID] = &stored
	r.convMessages[convIndexKey(message.TenantID, message.ConversationID)] = append(
		r.convMessages[convIndexKey(message.TenantID, message.ConversationID)], message.ID)
	if message.PlatformMessageID != "" {
		r.platformIDs[message.TenantID+"\x00"+message.PlatformMessageID] = message.ID
	}
	return nil
}

// Recent 返回最近 limit 条消息 (正序)
func (r *MemoryMessageRepository) Recent(_ context.Context, tenantID, conversationID string, limit int) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.convMessages[convIndexKey(tenantID, conversationID)]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]*entity.Message, 0, len(ids))
	for _, id := range ids {
		cp := *r.messages[id]
		out = append(out, &cp)
	}
	return out, nil
}

// Exists 消息ID是否存在
func (r *MemoryMessageRepository) Exists(_ context.Context, tenantID, messageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[messageID]
	return ok && m.TenantID == tenantID, nil
}

// ExistsByPlatformID 平台消息是否已落库
func (r *MemoryMessageRepository) ExistsByPlatformID(_ context.Context, tenantID, platformMessageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.platformIDs[tenantID+"\x00"+platformMessageID]
	return ok, nil
}

// CountCustomerSince 统计 since 之后的客户消息
func (r *MemoryMessageRepository) CountCustomerSince(_ context.Context, tenantID, conversationID string, since *time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, id := range r.convMessages[convIndexKey(tenantID, conversationID)] {
		m := r.messages[id]
		if m.Role != entity.RoleCustomer {
			continue
		}
		if since == nil || m.CreatedAt.After(*since) {
			n++
		}
	}
	return n, nil
}

// Count 统计全部消息 (测试辅助)
func (r *MemoryMessageRepository) Count(role entity.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages {
		if role == "" || m.Role == role {
			n++
		}
	}
	return n
}

func convIndexKey(tenantID, conversationID string) string {
	return tenantID + "\x00" + conversationID
}
