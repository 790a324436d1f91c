package repository

import (
	"context"

	"github.com/replyhub/replyhub/internal/domain/entity"
)

// DeliveryRepository records confirmed platform sends so a redelivered
// outbound job never sends twice.
type DeliveryRepository interface {
	MarkSent(ctx context.Context, receipt *entity.DeliveryReceipt) error
	WasSent(ctx context.Context, tenantID, messageID string) (bool, error)
}

// DeadLetterRepository 死信仓储接口
type DeadLetterRepository interface {
	Add(ctx context.Context, letter *entity.DeadLetter) error
	Get(ctx context.Context, tenantID, id string) (*entity.DeadLetter, error)
	List(ctx context.Context, tenantID string, includeResolved bool, limit int) ([]*entity.DeadLetter, error)
	Resolve(ctx context.Context, tenantID, id string) error
	CountUnresolved(ctx context.Context) (map[string]int64, error)
}
