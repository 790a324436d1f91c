package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/pkg/safego"
)

// Lease is an exclusive, expiring claim on a conversation. Its context is
// cancelled when the lease is released or when a heartbeat finds it lost.
type Lease struct {
	Key   string
	Owner string

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	expiresAt time.Time
}

// Context is cancelled once the lease is no longer held.
func (l *Lease) Context() context.Context { return l.ctx }

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Leaser hands out per-conversation leases backed by a LeaseRepository and
// keeps them alive with heartbeats until released. A crashed worker stops
// heartbeating, so its lease lapses after ttl.
type Leaser struct {
	repo     repository.LeaseRepository
	ttl      time.Duration
	instance string
	now      func() time.Time
	logger   *zap.Logger
}

// NewLeaser creates a leaser. instance prefixes owner tokens for debugging.
func NewLeaser(repo repository.LeaseRepository, ttl time.Duration, instance string, logger *zap.Logger) *Leaser {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Leaser{
		repo:     repo,
		ttl:      ttl,
		instance: instance,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "leaser")),
	}
}

// ConversationLeaseKey namespaces conversation leases.
func ConversationLeaseKey(tenantID, conversationID string) string {
	return "conversation:" + tenantID + ":" + conversationID
}

// Acquire claims key or returns entity.ErrLeaseHeld.
func (l *Leaser) Acquire(ctx context.Context, key string) (*Lease, error) {
	owner := l.instance + "/" + uuid.NewString()
	now := l.now()
	ok, err := l.repo.TryAcquire(ctx, key, owner, now, now.Add(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrLeaseHeld, key)
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	lease := &Lease{
		Key:       key,
		Owner:     owner,
		ctx:       leaseCtx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		expiresAt: now.Add(l.ttl),
	}
	safego.Go(l.logger, "lease-heartbeat", func() { l.heartbeat(lease) })
	return lease, nil
}

func (l *Leaser) heartbeat(lease *Lease) {
	defer close(lease.done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-lease.stop:
			return
		case <-lease.ctx.Done():
			return
		case <-ticker.C:
			now := l.now()
			ok, err := l.repo.TryAcquire(context.Background(), lease.Key, lease.Owner, now, now.Add(l.ttl))
			if err != nil {
				l.logger.Warn("Lease heartbeat failed", zap.String("key", lease.Key), zap.Error(err))
				if now.After(lease.ExpiresAt()) {
					lease.cancel()
					return
				}
				continue
			}
			if !ok {
				l.logger.Warn("Lease lost", zap.String("key", lease.Key))
				lease.cancel()
				return
			}
			lease.mu.Lock()
			lease.expiresAt = now.Add(l.ttl)
			lease.mu.Unlock()
		}
	}
}

// Release stops the heartbeat and drops the claim. It is safe to call more
// than once.
func (l *Leaser) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	lease.once.Do(func() { close(lease.stop) })
	<-lease.done
	lease.cancel()
	if err := l.repo.Release(context.WithoutCancel(ctx), lease.Key, lease.Owner); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}

// Reap deletes expired claims left behind by crashed workers.
func (l *Leaser) Reap(ctx context.Context) (int64, error) {
	return l.repo.DeleteExpired(ctx, l.now())
}
