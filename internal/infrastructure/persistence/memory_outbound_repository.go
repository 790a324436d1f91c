package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/pkg/errors"
)

// MemoryCredentialRepository 内存实现的凭据仓储
type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	creds map[string]*entity.ProviderCredential
}

// NewMemoryCredentialRepository 创建内存凭据仓储
func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{creds: make(map[string]*entity.ProviderCredential)}
}

var _ repository.CredentialRepository = (*MemoryCredentialRepository)(nil)

// Get 读取租户凭据
func (r *MemoryCredentialRepository) Get(_ context.Context, tenantID string) (*entity.ProviderCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[tenantID]
	if !ok {
		return nil, errors.NewNotFoundError("provider credential not found")
	}
	cp := *c
	cp.Fallbacks = append([]entity.FallbackProvider(nil), c.Fallbacks...)
	return &cp, nil
}

// Upsert 写入租户凭据
func (r *MemoryCredentialRepository) Upsert(_ context.Context, credential *entity.ProviderCredential) error {
	if credential.TenantID == "" {
		return errors.NewInvalidInputError(entity.ErrInvalidTenantID.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *credential
	cp.Fallbacks = append([]entity.FallbackProvider(nil), credential.Fallbacks...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.creds[credential.TenantID] = &cp
	return nil
}

// MemoryDeliveryRepository 内存实现的发送记录
type MemoryDeliveryRepository struct {
	mu   sync.RWMutex
	sent map[string]*entity.DeliveryReceipt
}

// NewMemoryDeliveryRepository 创建内存发送记录仓储
func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{sent: make(map[string]*entity.DeliveryReceipt)}
}

var _ repository.DeliveryRepository = (*MemoryDeliveryRepository)(nil)

// MarkSent 记录已发送
func (r *MemoryDeliveryRepository) MarkSent(_ context.Context, receipt *entity.DeliveryReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sent[receipt.MessageID]; !ok {
		cp := *receipt
		r.sent[receipt.MessageID] = &cp
	}
	return nil
}

// WasSent 是否已发送
func (r *MemoryDeliveryRepository) WasSent(_ context.Context, tenantID, messageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.sent[messageID]
	return ok && rc.TenantID == tenantID, nil
}

// MemoryDeadLetterRepository 内存实现的死信仓储
type MemoryDeadLetterRepository struct {
	mu      sync.RWMutex
	letters map[string]*entity.DeadLetter
}

// NewMemoryDeadLetterRepository 创建内存死信仓储
func NewMemoryDeadLetterRepository() *MemoryDeadLetterRepository {
	return &MemoryDeadLetterRepository{letters: make(map[string]*entity.DeadLetter)}
}

var _ repository.DeadLetterRepository = (*MemoryDeadLetterRepository)(nil)

// Add 写入死信
func (r *MemoryDeadLetterRepository) Add(_ context.Context, letter *entity.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	cp := *letter
	r.letters[letter.ID] = &cp
	return nil
}

// Get 读取死信
func (r *MemoryDeadLetterRepository) Get(_ context.Context, tenantID, id string) (*entity.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.letters[id]
	if !ok || l.TenantID != tenantID {
		return nil, errors.NewNotFoundError("dead letter not found")
	}
	cp := *l
	return &cp, nil
}

// List 列出租户死信, 新的在前
func (r *MemoryDeadLetterRepository) List(_ context.Context, tenantID string, includeResolved bool, limit int) ([]*entity.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.DeadLetter, 0)
	for _, l := range r.letters {
		if l.TenantID != tenantID || (!includeResolved && l.ResolvedAt != nil) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Resolve 标记死信已处理
func (r *MemoryDeadLetterRepository) Resolve(_ context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.letters[id]
	if !ok || l.TenantID != tenantID {
		return errors.NewNotFoundError("dead letter not found")
	}
	now := time.Now().UTC()
	l.ResolvedAt = &now
	return nil
}

// CountUnresolved 按租户统计未处理死信
func (r *MemoryDeadLetterRepository) CountUnresolved(_ context.Context) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64)
	for _, l := range r.letters {
		if l.ResolvedAt == nil {
			out[l.TenantID]++
		}
	}
	return out, nil
}

// MemoryLeaseRepository 进程内租约表
type MemoryLeaseRepository struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryLeaseRepository 创建内存租约仓储
func NewMemoryLeaseRepository() *MemoryLeaseRepository {
	return &MemoryLeaseRepository{leases: make(map[string]memoryLease)}
}

var _ repository.LeaseRepository = (*MemoryLeaseRepository)(nil)

// TryAcquire 尝试取得或续期租约
func (r *MemoryLeaseRepository) TryAcquire(_ context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.leases[key]; ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	r.leases[key] = memoryLease{owner: owner, expiresAt: expiresAt}
	return true, nil
}

// Release 释放租约 (仅限持有者)
func (r *MemoryLeaseRepository) Release(_ context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.leases[key]; ok && cur.owner == owner {
		delete(r.leases, key)
	}
	return nil
}

// DeleteExpired 清理过期租约
func (r *MemoryLeaseRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, l := range r.leases {
		if !l.expiresAt.After(now) {
			delete(r.leases, k)
			n++
		}
	}
	return n, nil
}
