package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	llm "github.com/replyhub/replyhub/internal/infrastructure/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 1024
)

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider wraps the Anthropic Messages API SDK.
type Provider struct {
	client *anthropic.Client
	logger *zap.Logger
}

// New creates an Anthropic provider. SDK retries are disabled; the gateway
// owns the retry budget.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(normalizeBaseURL(cfg.BaseURL)),
		option.WithHTTPClient(llm.ClientFor(cfg)),
		option.WithMaxRetries(0),
	)
	return &Provider{
		client: &client,
		logger: logger.With(zap.String("type", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() string { return "anthropic" }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	resp, err := p.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &llm.APIError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return nil, fmt.Errorf("claude API call: %w", err)
	}
	return parseResponse(resp)
}

func buildParams(req *llm.CompletionRequest) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, t := range req.Turns {
		if t.Role == service.PromptRoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(llm.StripModelPrefix(req.Model)),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func parseResponse(resp *anthropic.Message) (*llm.Completion, error) {
	if resp.StopReason == anthropic.StopReasonRefusal {
		return nil, fmt.Errorf("reply blocked by content policy")
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return &llm.Completion{
		Text:  sb.String(),
		Model: string(resp.Model),
		Usage: entity.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
