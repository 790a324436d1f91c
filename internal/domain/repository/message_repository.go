package repository

import (
	"context"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// MessageRepository 消息仓储接口. Every call is scoped by tenant id.
type MessageRepository interface {
	// Append 追加消息. Returns entity.ErrDuplicateEvent when a customer message
	// with the same platform message id already exists, and an
	// AlreadyExists AppError when the message id itself is taken.
	Append(ctx context.Context, message *entity.Message) error

	// Recent 返回最近 limit 条消息, 按时间正序 (oldest first)
	Recent(ctx context.Context, tenantID, conversationID string, limit int) ([]*entity.Message, error)

	// Exists 消息ID是否已存在
	Exists(ctx context.Context, tenantID, messageID string) (bool, error)

	// ExistsByPlatformID 是否已记录该平台消息
	ExistsByPlatformID(ctx context.Context, tenantID, platformMessageID string) (bool, error)

	// CountCustomerSince 统计 since 之后的客户消息数 (nil 表示全部)
	CountCustomerSince(ctx context.Context, tenantID, conversationID string, since *time.Time) (int64, error)
}
