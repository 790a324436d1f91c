package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/infrastructure/persistence/models"
)

// GormLeaseRepository 基于数据库行的租约. 取得租约 = 插入行, 或以条件更新
// (比较并交换) 接管已过期或自己持有的行.
type GormLeaseRepository struct {
	db *gorm.DB
}

// NewGormLeaseRepository 创建 GORM 租约仓储
func NewGormLeaseRepository(db *gorm.DB) repository.LeaseRepository {
	return &GormLeaseRepository{db: db}
}

// TryAcquire 尝试取得或续期租约
func (r *GormLeaseRepository) TryAcquire(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	now, expiresAt = now.UTC(), expiresAt.UTC()
	db := r.db.WithContext(ctx)

	err := db.Create(&models.LeaseModel{LeaseKey: key, Owner: owner, ExpiresAt: expiresAt}).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, fmt.Errorf("create lease: %w", err)
	}

	var existing models.LeaseModel
	if err := db.Where("lease_key = ?", key).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 刚被释放, 由调用方下次重试
			return false, nil
		}
		return false, fmt.Errorf("read lease: %w", err)
	}
	if existing.Owner != owner && existing.ExpiresAt.After(now) {
		return false, nil
	}

	res := db.Model(&models.LeaseModel{}).
		Where("lease_key = ? AND owner = ? AND expires_at = ?", key, existing.Owner, existing.ExpiresAt).
		Updates(map[string]interface{}{"owner": owner, "expires_at": expiresAt})
	if res.Error != nil {
		return false, fmt.Errorf("take over lease: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release 释放租约 (仅限持有者)
func (r *GormLeaseRepository) Release(ctx context.Context, key, owner string) error {
	return r.db.WithContext(ctx).
		Where("lease_key = ? AND owner = ?", key, owner).
		Delete(&models.LeaseModel{}).Error
}

// DeleteExpired 清理过期租约
func (r *GormLeaseRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&models.LeaseModel{})
	return res.RowsAffected, res.Error
}
