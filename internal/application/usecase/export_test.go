package usecase

import (
	"context"
	"time"
)

// SkipBackoff makes the dispatcher retry without waiting.
func (d *Dispatcher) SkipBackoff() {
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}
