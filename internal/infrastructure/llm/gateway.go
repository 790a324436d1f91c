package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/service"
)

// GatewayConfig is the retry and breaker policy shared by all tenants.
type GatewayConfig struct {
	AttemptTimeout   time.Duration
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerRecovery  time.Duration
}

// Gateway implements service.Generator. Each target gets at most two
// attempts (one retry, transient errors only) under a per-attempt timeout.
// Explicitly configured fallbacks are tried in order after the primary has
// failed; nothing else is ever substituted.
type Gateway struct {
	cfg      GatewayConfig
	breakers *BreakerSet
	create   func(ProviderConfig, *zap.Logger) (Provider, error)
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewGateway creates a gateway over the registered providers.
func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Gateway{
		cfg:      cfg,
		breakers: NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerRecovery),
		create:   CreateProvider,
		sleep:    sleepCtx,
		logger:   logger.With(zap.String("component", "llm-gateway")),
	}
}

var _ service.Generator = (*Gateway)(nil)

const maxAttemptsPerTarget = 2

// Generate drafts a reply. On failure the returned error is a
// *service.ProviderError describing the last target tried.
func (g *Gateway) Generate(ctx context.Context, cfg service.GenerationConfig, parts service.PromptParts) (*service.GeneratedReply, error) {
	targets := append([]service.GenerationTarget{cfg.Primary}, cfg.Fallbacks...)
	req := &CompletionRequest{
		System:      parts.SystemWithContext(),
		Turns:       parts.Turns,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	var lastErr *service.ProviderError
	for i, target := range targets {
		reply, err := g.generateWith(ctx, cfg.TenantID, target, req)
		if err == nil {
			if i > 0 {
				g.logger.Info("Reply drafted by fallback provider",
					zap.String("tenant_id", cfg.TenantID),
					zap.String("provider", target.ProviderKind),
					zap.String("model", target.Model),
				)
			}
			return reply, nil
		}
		lastErr = err
		if err.Kind == service.ErrKindCancelled || ctx.Err() != nil {
			break
		}
		if i < len(targets)-1 {
			g.logger.Warn("Provider failed, trying configured fallback",
				zap.String("tenant_id", cfg.TenantID),
				zap.String("provider", target.ProviderKind),
				zap.String("next", targets[i+1].ProviderKind),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

func (g *Gateway) generateWith(ctx context.Context, tenantID string, target service.GenerationTarget, req *CompletionRequest) (*service.GeneratedReply, *service.ProviderError) {
	breaker := g.breakers.For(tenantID, target.ProviderKind)
	if !breaker.Allow() {
		return nil, &service.ProviderError{
			Kind:      service.ErrKindTransient,
			Message:   "circuit open",
			Provider:  target.ProviderKind,
			Model:     target.Model,
			Exhausted: true,
		}
	}

	provider, err := g.create(ProviderConfig{
		Kind:    target.ProviderKind,
		BaseURL: target.BaseURL,
		APIKey:  target.APIKey,
	}, g.logger)
	if err != nil {
		breaker.Release()
		return nil, &service.ProviderError{
			Kind:     service.ErrKindBadRequest,
			Message:  "provider not available",
			Provider: target.ProviderKind,
			Model:    target.Model,
			Cause:    err,
		}
	}

	attemptReq := *req
	attemptReq.Model = target.Model
	start := time.Now()

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		completion, err := provider.Complete(attemptCtx, &attemptReq)
		cancel()

		var text string
		if err == nil {
			if text = service.CleanReply(completion.Text); text == "" {
				err = errors.New("provider returned an empty reply")
			}
		}
		if err == nil {
			breaker.RecordSuccess()
			model := completion.Model
			if model == "" {
				model = target.Model
			}
			return &service.GeneratedReply{
				Text:     text,
				Provider: provider.Kind(),
				Model:    model,
				Usage:    completion.Usage,
				Attempts: attempt,
				Latency:  time.Since(start),
			}, nil
		}

		if ctx.Err() != nil {
			// 调用方取消 (例如人工接管), 不计入熔断
			breaker.Release()
			pe := service.ClassifyError(ctx.Err(), target.ProviderKind, target.Model)
			pe.Attempts = attempt
			pe.Exhausted = true
			return nil, pe
		}

		pe := service.ClassifyError(err, target.ProviderKind, target.Model)
		pe.Attempts = attempt
		if pe.Kind == service.ErrKindTransient {
			breaker.RecordFailure()
		} else {
			breaker.Release()
		}

		if !pe.Retryable() || attempt >= maxAttemptsPerTarget {
			pe.Exhausted = true
			g.logger.Warn("Provider attempt failed",
				zap.String("tenant_id", tenantID),
				zap.String("provider", target.ProviderKind),
				zap.String("kind", pe.Kind.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, pe
		}

		g.logger.Info("Transient provider error, retrying once",
			zap.String("tenant_id", tenantID),
			zap.String("provider", target.ProviderKind),
			zap.Duration("backoff", g.cfg.RetryBackoff),
			zap.Error(err),
		)
		if !breaker.Allow() {
			pe.Exhausted = true
			return nil, pe
		}
		if err := g.sleep(ctx, g.cfg.RetryBackoff); err != nil {
			breaker.Release()
			cancelled := service.ClassifyError(err, target.ProviderKind, target.Model)
			cancelled.Attempts = attempt
			cancelled.Exhausted = true
			return nil, cancelled
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
