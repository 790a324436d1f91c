package repository

import (
	"context"
	"time"
)

// LeaseRepository stores expiring exclusive claims keyed by resource.
type LeaseRepository interface {
	// TryAcquire claims key for owner until expiresAt. An expired claim held
	// by someone else is taken over. Returns false when a live claim exists.
	TryAcquire(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error)

	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, key, owner string) error

	// DeleteExpired removes claims that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
