package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/replyhub/replyhub/internal/domain/repository"
	"github.com/replyhub/replyhub/internal/domain/service"
	"go.uber.org/zap"
)

// Maintenance holds the periodic housekeeping jobs.
type Maintenance struct {
	leaser      *service.Leaser
	deadLetters repository.DeadLetterRepository
	notifier    service.OperatorNotifier
	logger      *zap.Logger
}

// NewMaintenance creates the housekeeping jobs.
func NewMaintenance(leaser *service.Leaser, deadLetters repository.DeadLetterRepository, notifier service.OperatorNotifier, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		leaser:      leaser,
		deadLetters: deadLetters,
		notifier:    notifier,
		logger:      logger.With(zap.String("component", "maintenance")),
	}
}

// ReapLeases deletes leases whose holders stopped heartbeating.
func (m *Maintenance) ReapLeases(ctx context.Context) error {
	n, err := m.leaser.Reap(ctx)
	if err != nil {
		return fmt.Errorf("reap leases: %w", err)
	}
	if n > 0 {
		m.logger.Info("Expired leases reaped", zap.Int64("count", n))
	}
	return nil
}

// DeadLetterDigest reminds each tenant's operators of unresolved dead letters.
func (m *Maintenance) DeadLetterDigest(ctx context.Context) error {
	counts, err := m.deadLetters.CountUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}
	tenants := make([]string, 0, len(counts))
	for t, n := range counts {
		if n > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)

	var first error
	for _, t := range tenants {
		err := m.notifier.Notify(ctx, service.Alert{
			Kind:     service.AlertDeadLetterDigest,
			TenantID: t,
			Summary:  fmt.Sprintf("%d replies are waiting in the dead-letter list", counts[t]),
			Detail:   "Review them and redeliver or resolve.",
		})
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
