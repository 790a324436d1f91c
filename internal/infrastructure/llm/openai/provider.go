package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	llm "github.com/replyhub/replyhub/internal/infrastructure/llm"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
	// OpenRouter speaks the same protocol; model ids keep their vendor prefix
	llm.RegisterFactory("openrouter", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		if cfg.BaseURL == "" {
			cfg.BaseURL = openRouterBaseURL
		}
		p := New(cfg, logger)
		p.kind = "openrouter"
		p.keepPrefix = true
		return p
	})
}

// Provider is an OpenAI-compatible HTTP client.
type Provider struct {
	kind       string
	baseURL    string
	apiKey     string
	keepPrefix bool
	client     *http.Client
	logger     *zap.Logger
}

// New creates an OpenAI-compatible provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		kind:    "openai",
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  llm.ClientFor(cfg),
		logger:  logger.With(zap.String("type", "openai")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Kind() string { return p.kind }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	body, err := json.Marshal(p.buildAPIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llm.APIError{Provider: p.kind, StatusCode: resp.StatusCode, Body: errorMessage(respBody)}
	}
	return parseAPIResponse(respBody)
}

func (p *Provider) buildAPIRequest(req *llm.CompletionRequest) *Request {
	model := req.Model
	if !p.keepPrefix {
		model = llm.StripModelPrefix(model)
	}
	apiReq := &Request{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, Message{Role: "system", Content: req.System})
	}
	for _, t := range req.Turns {
		role := "user"
		if t.Role == service.PromptRoleAssistant {
			role = "assistant"
		}
		apiReq.Messages = append(apiReq.Messages, Message{Role: role, Content: t.Content})
	}
	return apiReq
}

func parseAPIResponse(body []byte) (*llm.Completion, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response: no choices")
	}
	choice := apiResp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, fmt.Errorf("reply blocked by content filter")
	}
	return &llm.Completion{
		Text:  choice.Message.Content,
		Model: apiResp.Model,
		Usage: entity.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.Total(),
		},
	}, nil
}

// errorMessage keeps the vendor's message and error code, which carry the
// quota and content-policy hints the classifier looks for.
func errorMessage(body []byte) string {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		if eb.Error.Code != nil {
			return fmt.Sprintf("%s (%v)", eb.Error.Message, eb.Error.Code)
		}
		return eb.Error.Message
	}
	return string(body)
}
