package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// scriptedProvider replays a fixed sequence of outcomes per provider kind.
type scriptedProvider struct {
	kind  string
	mu    *sync.Mutex
	calls map[string]int
	steps map[string][]error
}

func (p *scriptedProvider) Kind() string { return p.kind }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	p.mu.Lock()
	n := p.calls[p.kind]
	p.calls[p.kind]++
	steps := p.steps[p.kind]
	p.mu.Unlock()

	if n < len(steps) && steps[n] != nil {
		if errors.Is(steps[n], context.DeadlineExceeded) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, steps[n]
	}
	return &Completion{
		Text:  "reply from " + p.kind,
		Model: req.Model,
		Usage: entity.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type gatewayHarness struct {
	gw     *Gateway
	mu     sync.Mutex
	calls  map[string]int
	steps  map[string][]error
	sleeps []time.Duration
}

func newHarness(steps map[string][]error) *gatewayHarness {
	h := &gatewayHarness{calls: map[string]int{}, steps: steps}
	h.gw = NewGateway(GatewayConfig{
		AttemptTimeout:   50 * time.Millisecond,
		RetryBackoff:     time.Second,
		BreakerThreshold: 5,
		BreakerRecovery:  time.Minute,
	}, zap.NewNop())
	h.gw.create = func(cfg ProviderConfig, _ *zap.Logger) (Provider, error) {
		return &scriptedProvider{kind: cfg.Kind, mu: &h.mu, calls: h.calls, steps: h.steps}, nil
	}
	h.gw.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func (h *gatewayHarness) callCount(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[kind]
}

func genConfig(fallbacks ...string) service.GenerationConfig {
	cfg := service.GenerationConfig{
		TenantID: "t1",
		Primary:  service.GenerationTarget{ProviderKind: "openai", APIKey: "k", Model: "gpt-4o-mini"},
	}
	for _, f := range fallbacks {
		cfg.Fallbacks = append(cfg.Fallbacks, service.GenerationTarget{ProviderKind: f, APIKey: "k2", Model: f + "-model"})
	}
	return cfg
}

var prompt = service.PromptParts{
	System: "be brief",
	Turns:  []service.PromptTurn{{Role: service.PromptRoleUser, Content: "hi"}},
}

func TestGateway_Success(t *testing.T) {
	h := newHarness(nil)
	reply, err := h.gw.Generate(context.Background(), genConfig(), prompt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "reply from openai" || reply.Provider != "openai" || reply.Model != "gpt-4o-mini" {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if reply.Usage.TotalTokens != 15 || reply.Attempts != 1 {
		t.Errorf("usage/attempts not reported: %+v", reply)
	}
}

func TestGateway_RetriesTransientExactlyOnce(t *testing.T) {
	h := newHarness(map[string][]error{
		"openai": {&APIError{Provider: "openai", StatusCode: 503}},
	})
	reply, err := h.gw.Generate(context.Background(), genConfig(), prompt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Attempts != 2 || h.callCount("openai") != 2 {
		t.Errorf("expected success on second attempt, got attempts=%d calls=%d", reply.Attempts, h.callCount("openai"))
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != time.Second {
		t.Errorf("expected one backoff sleep, got %v", h.sleeps)
	}
}

func TestGateway_TimeoutTwiceIsPermanent(t *testing.T) {
	h := newHarness(map[string][]error{
		"openai": {context.DeadlineExceeded, context.DeadlineExceeded},
	})
	_, err := h.gw.Generate(context.Background(), genConfig(), prompt)

	var pe *service.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !pe.Permanent() || pe.Attempts != 2 {
		t.Errorf("expected permanent error after 2 attempts, got %+v", pe)
	}
	if h.callCount("openai") != 2 {
		t.Errorf("expected exactly 2 calls, got %d", h.callCount("openai"))
	}
}

func TestGateway_AuthErrorIsNotRetried(t *testing.T) {
	h := newHarness(map[string][]error{
		"openai": {&APIError{Provider: "openai", StatusCode: 401, Body: "invalid api key"}},
	})
	_, err := h.gw.Generate(context.Background(), genConfig(), prompt)

	var pe *service.ProviderError
	if !errors.As(err, &pe) || pe.Kind != service.ErrKindAuth {
		t.Fatalf("expected auth ProviderError, got %v", err)
	}
	if h.callCount("openai") != 1 || len(h.sleeps) != 0 {
		t.Errorf("auth errors must not be retried: calls=%d sleeps=%v", h.callCount("openai"), h.sleeps)
	}
}

func TestGateway_NoImplicitFailover(t *testing.T) {
	h := newHarness(map[string][]error{
		"openai": {&APIError{StatusCode: 500}, &APIError{StatusCode: 500}},
	})
	if _, err := h.gw.Generate(context.Background(), genConfig(), prompt); err == nil {
		t.Fatal("expected failure without configured fallbacks")
	}
	for kind := range h.calls {
		if kind != "openai" {
			t.Errorf("unconfigured provider %s was called", kind)
		}
	}
}

func TestGateway_ConfiguredFallback(t *testing.T) {
	h := newHarness(map[string][]error{
		"openai": {&APIError{StatusCode: 500}, &APIError{StatusCode: 500}},
	})
	reply, err := h.gw.Generate(context.Background(), genConfig("gemini"), prompt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Provider != "gemini" || reply.Model != "gemini-model" {
		t.Errorf("fallback reply should name the provider used: %+v", reply)
	}
}

func TestGateway_CancelledStopsWithoutFallback(t *testing.T) {
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.gw.create = func(cfg ProviderConfig, _ *zap.Logger) (Provider, error) {
		return &scriptedProvider{kind: cfg.Kind, mu: &h.mu, calls: h.calls,
			steps: map[string][]error{cfg.Kind: {context.Canceled}}}, nil
	}

	_, err := h.gw.Generate(ctx, genConfig("gemini"), prompt)
	var pe *service.ProviderError
	if !errors.As(err, &pe) || pe.Kind != service.ErrKindCancelled {
		t.Fatalf("expected cancelled ProviderError, got %v", err)
	}
	if pe.Permanent() {
		t.Error("cancellation must not be reported as permanent")
	}
	if h.callCount("gemini") != 0 {
		t.Error("fallback must not run after cancellation")
	}
}

func TestGateway_CircuitOpensPerTenant(t *testing.T) {
	fail := &APIError{StatusCode: 503}
	steps := make([]error, 20)
	for i := range steps {
		steps[i] = fail
	}
	h := newHarness(map[string][]error{"openai": steps})
	h.gw.breakers = NewBreakerSet(2, time.Hour)

	_, _ = h.gw.Generate(context.Background(), genConfig(), prompt)
	calls := h.callCount("openai")

	_, err := h.gw.Generate(context.Background(), genConfig(), prompt)
	var pe *service.ProviderError
	if !errors.As(err, &pe) || pe.Message != "circuit open" {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if h.callCount("openai") != calls {
		t.Error("open circuit must not call the provider")
	}

	other := genConfig()
	other.TenantID = "t2"
	_, err = h.gw.Generate(context.Background(), other, prompt)
	if errors.As(err, &pe) && pe.Message == "circuit open" {
		t.Error("another tenant must not see t1's open circuit")
	}
}

func TestGateway_UnknownProvider(t *testing.T) {
	gw := NewGateway(GatewayConfig{}, zap.NewNop())
	cfg := genConfig()
	cfg.Primary.ProviderKind = "does-not-exist"

	_, err := gw.Generate(context.Background(), cfg, prompt)
	if !service.IsPermanentProviderError(err) {
		t.Fatalf("unknown provider should be permanent, got %v", err)
	}
}

type textProvider struct {
	texts []string
	calls int
}

func (p *textProvider) Kind() string { return "openai" }

func (p *textProvider) Complete(_ context.Context, req *CompletionRequest) (*Completion, error) {
	text := p.texts[len(p.texts)-1]
	if p.calls < len(p.texts) {
		text = p.texts[p.calls]
	}
	p.calls++
	return &Completion{Text: text, Model: req.Model}, nil
}

func TestGateway_StripsReasoningFromReplies(t *testing.T) {
	h := newHarness(nil)
	p := &textProvider{texts: []string{"<think>user wants the refund policy</think>\nRefunds take 5 days."}}
	h.gw.create = func(ProviderConfig, *zap.Logger) (Provider, error) { return p, nil }

	reply, err := h.gw.Generate(context.Background(), genConfig(), prompt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "Refunds take 5 days." {
		t.Errorf("text = %q", reply.Text)
	}
}

func TestGateway_ReasoningOnlyReplyIsRetried(t *testing.T) {
	h := newHarness(nil)
	p := &textProvider{texts: []string{"<think>still thinking", "Here you go."}}
	h.gw.create = func(ProviderConfig, *zap.Logger) (Provider, error) { return p, nil }

	reply, err := h.gw.Generate(context.Background(), genConfig(), prompt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "Here you go." || reply.Attempts != 2 {
		t.Errorf("reply = %+v", reply)
	}
}
